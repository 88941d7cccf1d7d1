package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/logging"
	"github.com/ekaya-inc/mirage/pkg/prompts"
	"github.com/ekaya-inc/mirage/pkg/retry"
	"github.com/ekaya-inc/mirage/pkg/transcode"
)

// errorPageHTML is the second-tier static error page. Detail is escaped
// by html/template.
const errorPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Status}} {{.Message}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 4rem auto; max-width: 40rem; color: #333; }
h1 { font-size: 1.5rem; }
pre { background: #f4f4f4; padding: 1rem; overflow-x: auto; }
</style>
</head>
<body>
<h1>{{.Status}} {{.Message}}</h1>
{{if .Detail}}<pre>{{.Detail}}</pre>{{end}}
</body>
</html>
`

var errorPageTemplate = template.Must(template.New("error_page").Parse(errorPageHTML))

// engineTierTimeout bounds the tier-1 engine round trip. An error page
// is not worth a long wait.
const engineTierTimeout = 20 * time.Second

// ErrorResponder produces a best-effort error response through three
// tiers: an engine-styled page, a static template, and a plain-text
// body that cannot fail.
type ErrorResponder struct {
	client   engine.Client
	siteName string
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewErrorResponder creates the responder. client may be nil, which
// disables the engine tier.
func NewErrorResponder(client engine.Client, siteName string, logger *zap.Logger) *ErrorResponder {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = 1

	return &ErrorResponder{
		client:   client,
		siteName: siteName,
		retryCfg: retryCfg,
		logger:   logger.Named("error_responder"),
	}
}

// Respond writes an error response for the given status. It never
// fails: each tier falls through to the next, and the final plain-text
// tier has no failure mode.
func (er *ErrorResponder) Respond(w http.ResponseWriter, r *http.Request, status int, message, detail string) {
	if er.tryEngine(r.Context(), w, status, message, detail) {
		return
	}
	if er.tryTemplate(w, status, message, detail) {
		return
	}
	er.plainText(w, status, message, detail)
}

// tryEngine asks the engine for a styled page and parses it with the
// transcoder's framing rules. A failed generation is not retried with
// another Respond call; it just falls through.
func (er *ErrorResponder) tryEngine(ctx context.Context, w http.ResponseWriter, status int, message, detail string) bool {
	if er.client == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, engineTierTimeout)
	defer cancel()

	prompt := prompts.BuildErrorPagePrompt(er.siteName, status, message, detail)

	var result *engine.GenerateResult
	err := retry.DoIfRetryable(ctx, er.retryCfg, func() error {
		res, genErr := er.client.Generate(ctx, prompt, "")
		if genErr != nil {
			return genErr
		}
		result = res
		return nil
	})
	if err != nil {
		er.logger.Warn("Engine error page generation failed",
			zap.Int("status", status),
			zap.String("error", logging.SanitizeError(err)))
		return false
	}

	pageStatus, headers, body, ok := transcode.ParseResponseText(result.Content)
	if !ok || body == "" {
		er.logger.Warn("Engine error page was not a framed response",
			zap.Int("status", status))
		return false
	}

	for _, h := range headers {
		w.Header().Add(h.Name, h.Value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(pageStatus)
	_, _ = w.Write([]byte(body))
	return true
}

// tryTemplate renders the static error page.
func (er *ErrorResponder) tryTemplate(w http.ResponseWriter, status int, message, detail string) bool {
	data := struct {
		Status  int
		Message string
		Detail  string
	}{status, message, detail}

	// Render to a buffer first so a template failure does not leave a
	// half-written page.
	var buf bytes.Buffer
	if err := errorPageTemplate.Execute(&buf, data); err != nil {
		er.logger.Error("Static error template failed", zap.Error(err))
		return false
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
	return true
}

// plainText is the final tier. Hard invariant: the client always gets a
// syntactically valid response.
func (er *ErrorResponder) plainText(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "HTTP %d - %s\n\nError Details: %s", status, message, detail)
}
