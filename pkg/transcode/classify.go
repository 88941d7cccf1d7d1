package transcode

import "strings"

// resultKind tags a tool-call result payload. Classification happens
// once, on receipt; the consumption loop switches on the tag only.
type resultKind int

const (
	// resultOpaque carries no transcoder side effect.
	resultOpaque resultKind = iota
	// resultSessionID is a bare session identifier from a session tool.
	resultSessionID
	// resultHTTPResponse is a complete response text produced by a tool
	// instead of the main token channel.
	resultHTTPResponse
)

// maxSessionIDLength bounds what classifyToolResult will accept as a
// bare identifier. UUIDs are 36 characters.
const maxSessionIDLength = 64

// sessionTools are the only tools whose results can carry a session id.
// Any other tool returning a short hyphenated token (a slug from
// get_global_state, a file fragment from read_file) must stay opaque.
var sessionTools = map[string]bool{
	"create_session":    true,
	"assign_session_id": true,
}

// classifyToolResult sniffs a tool-call result payload. Session ids are
// only recognized from the session tools themselves; the shape check is
// a sanity filter on their payload, not a detector.
func classifyToolResult(toolName, text string) (resultKind, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return resultOpaque, trimmed
	}

	if hasStatusLinePrefix(trimmed) {
		return resultHTTPResponse, trimmed
	}

	if sessionTools[toolName] && looksLikeSessionID(trimmed) {
		return resultSessionID, trimmed
	}

	return resultOpaque, trimmed
}

// looksLikeSessionID matches short hyphenated tokens, the shape of a
// UUID, without committing to the exact UUID grammar.
func looksLikeSessionID(text string) bool {
	if len(text) > maxSessionIDLength || !strings.Contains(text, "-") {
		return false
	}
	return !strings.ContainsAny(text, " \t\r\n\"{}")
}
