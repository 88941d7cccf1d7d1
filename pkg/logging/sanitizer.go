package logging

import (
	"regexp"
)

const (
	// MaxBodyLogLength is the maximum length of request or response text to log
	MaxBodyLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match bearer tokens (three base64 segments separated by dots,
	// or any opaque token following the scheme)
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9-_.]+`)

	// Pattern to match potential API keys in query strings or header values
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key|token)=[A-Za-z0-9-_]{20,}`)

	// Pattern to match basic-auth credentials embedded in URLs (user:pass@host)
	urlCredsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// Pattern to match cookie headers carrying session material
	cookiePattern = regexp.MustCompile(`(?i)(cookie|set-cookie):\s*[^\r\n]+`)
)

// SanitizeRequestText removes credential material from raw HTTP request text
// before it is logged. The engine still sees the unsanitized request.
func SanitizeRequestText(raw string) string {
	if raw == "" {
		return ""
	}

	sanitized := bearerPattern.ReplaceAllString(raw, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	sanitized = cookiePattern.ReplaceAllString(sanitized, "${1}: "+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data
// before logging.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	sanitized := bearerPattern.ReplaceAllString(errStr, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
