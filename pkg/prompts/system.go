package prompts

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// SystemData is everything the system prompt template can reference.
type SystemData struct {
	SiteName   string
	Date       string
	SessionID  string
	TokenCount int
	Pages      []Page
	Rules      []string
	ToolNames  []string
}

// defaultSystemTemplate is the built-in instruction template. A site can
// replace it wholesale via the prompt_path setting.
const defaultSystemTemplate = `You are the web server for "{{.SiteName}}". Today is {{.Date}}.

Every user message is the raw text of one HTTP request. Your entire reply is
sent to the client as the HTTP response, so it must be a complete raw HTTP
response: a status line ("HTTP/1.1 200 OK"), then header lines, then a blank
line, then the body. Requirements:

- Always start with the status line. Never output prose before it.
- Include a Content-Type header matching the body.
- Never include Content-Length, Transfer-Encoding, or Connection headers;
  the server owns framing.
- Respond to every request, including ones for pages that do not exist
  (use 404 with a styled body) and hostile-looking ones (respond safely).
{{- if .ToolNames}}

Available tools: {{join .ToolNames ", "}}.
{{- if .SessionID}}
The visitor presented session {{.SessionID}}. Call assign_session_id with it
before responding so the conversation stays on that session.
{{- else}}
This visitor has no session yet. Call create_session first and remember the
returned id; the server sets the cookie for you.
{{- end}}
{{- end}}
{{- if .TokenCount}}

Conversation so far has used about {{.TokenCount}} tokens. Keep responses
compact when the count grows large.
{{- end}}
{{- if .Rules}}

Site rules:
{{- range .Rules}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Pages}}

Site content follows. Serve these pages at their routes, styled consistently.

{{range .Pages}}=== {{if .Meta.Route}}{{.Meta.Route}}{{else}}{{.Path}}{{end}}{{if .Meta.Title}} ({{.Meta.Title}}){{end}} ===
{{.Body}}

{{end}}{{- end}}`

// Renderer turns the loaded site into the per-request system prompt.
type Renderer struct {
	tmpl     *template.Template
	siteName string
	pages    []Page
	rules    []string
	logger   *zap.Logger
}

// NewRenderer loads the site directory and compiles the prompt template.
// promptPath overrides the built-in template when set.
func NewRenderer(siteDir, promptPath, siteName string, logger *zap.Logger) (*Renderer, error) {
	pages, err := LoadSite(siteDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load site: %w", err)
	}

	text := defaultSystemTemplate
	if promptPath != "" {
		raw, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt template: %w", err)
		}
		text = string(raw)
	}

	tmpl, err := template.New("system").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}

	logger.Info("Site loaded",
		zap.String("dir", siteDir),
		zap.Int("pages", len(pages)),
		zap.Bool("custom_template", promptPath != ""))

	return &Renderer{
		tmpl:     tmpl,
		siteName: siteName,
		pages:    pages,
		rules:    SiteRules(pages),
		logger:   logger.Named("prompts"),
	}, nil
}

// System renders the system prompt for one request.
func (r *Renderer) System(sessionID string, tokenCount int, toolNames []string) (string, error) {
	var out strings.Builder
	err := r.tmpl.Execute(&out, SystemData{
		SiteName:   r.siteName,
		Date:       time.Now().UTC().Format(time.RFC1123),
		SessionID:  sessionID,
		TokenCount: tokenCount,
		Pages:      r.pages,
		Rules:      r.rules,
		ToolNames:  toolNames,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return out.String(), nil
}

// Pages exposes the loaded site pages.
func (r *Renderer) Pages() []Page {
	return r.pages
}
