package prompts

import (
	"fmt"
	"strings"
)

// BuildErrorPagePrompt creates the instruction text asking the engine
// for a styled error page. Used by the error responder's first tier.
func BuildErrorPagePrompt(siteName string, status int, message, detail string) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf(
		"The web server for \"%s\" hit an error and must show the visitor an error page.\n\n", siteName))
	prompt.WriteString(fmt.Sprintf("Status code: %d\n", status))
	prompt.WriteString(fmt.Sprintf("Message: %s\n", message))
	if detail != "" {
		prompt.WriteString(fmt.Sprintf("Details: %s\n", detail))
	}

	prompt.WriteString(`
Produce a complete raw HTTP response for this error: status line, headers,
blank line, then a small self-contained HTML body styled to match the site.
Use the status code given above. Include a Content-Type header. Do not
include Content-Length, Transfer-Encoding, or Connection headers. Do not
call any tools. Output nothing before the status line.
`)

	return prompt.String()
}
