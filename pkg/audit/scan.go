package audit

import (
	"net/url"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/mirage/pkg/logging"
)

// Finding is one detected injection pattern in the inbound request.
type Finding struct {
	Kind        string `json:"kind"`     // sqli or xss
	Location    string `json:"location"` // query or body
	Value       string `json:"value"`    // truncated offending value
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ScanRequest runs libinjection over the interesting parts of a raw
// request: decoded query-string values and the body. Headers are left
// alone; they never reach an interpreter here.
func ScanRequest(rawText string) []Finding {
	var findings []Finding

	head, body := splitRequest(rawText)

	for _, value := range queryValues(head) {
		findings = append(findings, checkValue("query", value)...)
	}
	if body != "" {
		findings = append(findings, checkValue("body", body)...)
	}

	return findings
}

// splitRequest separates the request head from the body at the first
// blank line.
func splitRequest(rawText string) (head, body string) {
	if i := strings.Index(rawText, "\r\n\r\n"); i >= 0 {
		return rawText[:i], rawText[i+4:]
	}
	if i := strings.Index(rawText, "\n\n"); i >= 0 {
		return rawText[:i], rawText[i+2:]
	}
	return rawText, ""
}

// queryValues extracts the decoded query-string values from the request
// line. A target that does not parse yields nothing; the engine still
// sees the raw text either way.
func queryValues(head string) []string {
	line, _, _ := strings.Cut(head, "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}

	_, rawQuery, found := strings.Cut(fields[1], "?")
	if !found {
		return nil
	}

	parsed, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}

	var values []string
	for _, vs := range parsed {
		values = append(values, vs...)
	}
	return values
}

// checkValue runs both detectors over one value.
func checkValue(location, value string) []Finding {
	var findings []Finding

	if isSQLi, fingerprint := libinjection.IsSQLi(value); isSQLi {
		findings = append(findings, Finding{
			Kind:        "sqli",
			Location:    location,
			Value:       logging.TruncateString(value, logging.MaxBodyLogLength),
			Fingerprint: string(fingerprint),
		})
	}

	if libinjection.IsXSS(value) {
		findings = append(findings, Finding{
			Kind:     "xss",
			Location: location,
			Value:    logging.TruncateString(value, logging.MaxBodyLogLength),
		})
	}

	return findings
}
