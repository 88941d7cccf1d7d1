// Package prompts loads the site definition and renders the instruction
// text handed to the engine.
package prompts

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PageMeta is the YAML front matter of a site page.
type PageMeta struct {
	Title       string   `yaml:"title"`
	Route       string   `yaml:"route"`
	Description string   `yaml:"description"`
	Rules       []string `yaml:"rules"`
}

// Page is one site content file: optional front matter plus a markdown
// or HTML body the engine serves from.
type Page struct {
	Path string
	Meta PageMeta
	Body string
}

const frontMatterDelimiter = "---"

// pageExtensions are the file types picked up from the site directory.
var pageExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".html":     true,
	".txt":      true,
}

// ParsePage splits a page file into front matter and body. A file
// without front matter is all body; malformed front matter is an error
// so a broken site fails at startup, not mid-request.
func ParsePage(path, content string) (Page, error) {
	page := Page{Path: path, Body: content}

	rest, found := strings.CutPrefix(content, frontMatterDelimiter+"\n")
	if !found {
		rest, found = strings.CutPrefix(content, frontMatterDelimiter+"\r\n")
	}
	if !found {
		return page, nil
	}

	head, body, found := cutFrontMatter(rest)
	if !found {
		return Page{}, fmt.Errorf("page %s: unterminated front matter", path)
	}

	if err := yaml.Unmarshal([]byte(head), &page.Meta); err != nil {
		return Page{}, fmt.Errorf("page %s: invalid front matter: %w", path, err)
	}

	page.Body = body
	return page, nil
}

// cutFrontMatter finds the closing delimiter line.
func cutFrontMatter(rest string) (head, body string, found bool) {
	for _, sep := range []string{"\n" + frontMatterDelimiter + "\n", "\n" + frontMatterDelimiter + "\r\n"} {
		if i := strings.Index(rest, sep); i >= 0 {
			return rest[:i], rest[i+len(sep):], true
		}
	}
	// Closing delimiter at end of file without trailing newline.
	if trimmed, ok := strings.CutSuffix(rest, "\n"+frontMatterDelimiter); ok {
		return trimmed, "", true
	}
	return "", "", false
}

// LoadSite reads every page file under dir, sorted by path for a stable
// prompt. A missing directory is an error; an empty one is allowed.
func LoadSite(dir string) ([]Page, error) {
	var pages []Page

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !pageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read page %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}

		page, err := ParsePage(rel, string(raw))
		if err != nil {
			return err
		}

		pages = append(pages, page)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	return pages, nil
}

// SiteRules collects the rules declared across all pages, in page order.
func SiteRules(pages []Page) []string {
	var rules []string
	for _, page := range pages {
		rules = append(rules, page.Meta.Rules...)
	}
	return rules
}
