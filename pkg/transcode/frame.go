// Package transcode converts the engine's token stream into a framed
// HTTP response written to a response sink.
package transcode

import (
	"strconv"
	"strings"
)

// Header is one response header. Order and duplicates are preserved,
// which http.Header cannot do.
type Header struct {
	Name  string
	Value string
}

// frame is the parsed header block of an engine-produced response.
type frame struct {
	Status  int
	Headers []Header

	// Anomaly is set when the status line is missing or malformed and
	// the default status was substituted.
	Anomaly bool
}

// framingHeaders the transport layer owns. Engine-supplied copies are
// dropped.
var framingHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// findSeparator locates the first header/body separator in buf. Both
// CRLF and bare LF conventions are accepted. Returns the separator
// offset and its length.
func findSeparator(buf string) (idx, sepLen int, ok bool) {
	crlf := strings.Index(buf, "\r\n\r\n")
	lf := strings.Index(buf, "\n\n")

	switch {
	case crlf == -1 && lf == -1:
		return 0, 0, false
	case lf == -1 || (crlf != -1 && crlf <= lf):
		return crlf, 4, true
	default:
		return lf, 2, true
	}
}

// hasStatusLinePrefix reports whether text begins with something shaped
// like an HTTP status line.
func hasStatusLinePrefix(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, " \t\r\n"), "HTTP/")
}

// parseFrame parses a header block (status line plus headers, no
// separator). Malformed input degrades instead of failing: a bad status
// line defaults to 200 with the anomaly flagged, and malformed header
// lines are skipped.
func parseFrame(block string) frame {
	f := frame{Status: 200}

	block = strings.TrimLeft(block, "\r\n")
	lines := strings.Split(block, "\n")
	if len(lines) == 0 {
		f.Anomaly = true
		return f
	}

	f.Status, f.Anomaly = parseStatusLine(strings.TrimRight(lines[0], "\r"))

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}

		name := strings.TrimSpace(line[:colon])
		if name == "" {
			continue
		}
		value := strings.TrimSpace(line[colon+1:])

		if framingHeaders[strings.ToLower(name)] {
			continue
		}

		f.Headers = append(f.Headers, Header{Name: name, Value: value})
	}

	return f
}

// ParseResponseText parses a complete response text with the same
// framing rules as the streaming path: split at the first header/body
// separator, or fall back to a headers-only parse when the text is just
// a status line and headers. ok is false when the text is not a framed
// response at all.
func ParseResponseText(text string) (status int, headers []Header, body string, ok bool) {
	if !hasStatusLinePrefix(text) {
		return 0, nil, "", false
	}

	if idx, sepLen, found := findSeparator(text); found {
		f := parseFrame(text[:idx])
		return f.Status, f.Headers, text[idx+sepLen:], true
	}

	f := parseFrame(strings.TrimSpace(text))
	return f.Status, f.Headers, "", true
}

// parseStatusLine extracts the status code from "<version> <code>
// [<reason>]". A missing or non-numeric code is non-fatal; the caller
// gets 200 and an anomaly flag.
func parseStatusLine(line string) (status int, anomaly bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 200, true
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 200, true
	}

	return code, false
}
