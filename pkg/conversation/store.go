// Package conversation persists per-session dialogue between clients and
// the synthesis engine.
package conversation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Turn is a single entry in a session's dialogue. Role follows the engine
// role constants; Content is raw text (a raw request, raw response text,
// or a tool exchange).
type Turn struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	At         time.Time `json:"at"`
}

// sessionData is the persisted shape of one session.
type sessionData struct {
	SessionID  string `json:"session_id"`
	Turns      []Turn `json:"turns"`
	TokenCount int    `json:"token_count"`
}

// session pairs a session's data with its lock. refs counts in-flight
// lock holders so idle entries can be evicted without racing.
type session struct {
	mu   sync.Mutex
	refs int
	data sessionData
}

// Store keeps conversations in memory and snapshots them to one JSON file
// per session. Mutations on different sessions proceed concurrently;
// mutations on the same session serialize on that session's lock.
type Store struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewStore creates a store rooted at dir, loading any session files
// already present.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		logger:   logger.Named("conversation"),
		sessions: make(map[string]*session),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads existing session files from disk. Corrupt files are skipped
// with a warning rather than failing startup.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read state dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Failed to read session file", zap.String("path", path), zap.Error(err))
			continue
		}

		var data sessionData
		if err := json.Unmarshal(raw, &data); err != nil || data.SessionID == "" {
			s.logger.Warn("Skipping corrupt session file", zap.String("path", path), zap.Error(err))
			continue
		}

		s.sessions[data.SessionID] = &session{data: data}
	}

	if len(s.sessions) > 0 {
		s.logger.Info("Loaded sessions from disk", zap.Int("count", len(s.sessions)))
	}
	return nil
}

// acquire returns the locked session for id, creating it if needed.
// The caller must call the returned release function.
func (s *Store) acquire(id string) (*session, func()) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{data: sessionData{SessionID: id}}
		s.sessions[id] = sess
	}
	sess.refs++
	s.mu.Unlock()

	sess.mu.Lock()
	return sess, func() {
		sess.mu.Unlock()
		s.mu.Lock()
		sess.refs--
		// Drop entries nobody holds and nothing was ever written to
		if sess.refs == 0 && len(sess.data.Turns) == 0 && sess.data.TokenCount == 0 {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}
}

// Append adds turns to a session's history. An empty session id is a
// logged no-op: the turn belongs to a request that never adopted a session.
func (s *Store) Append(sessionID string, turns ...Turn) {
	if sessionID == "" {
		s.logger.Debug("Dropping turns with no session", zap.Int("turns", len(turns)))
		return
	}
	if len(turns) == 0 {
		return
	}

	now := time.Now().UTC()
	for i := range turns {
		if turns[i].At.IsZero() {
			turns[i].At = now
		}
	}

	sess, release := s.acquire(sessionID)
	defer release()
	sess.data.Turns = append(sess.data.Turns, turns...)
}

// History returns a copy of the session's turns. Unknown sessions yield
// an empty history. A positive maxTurns caps the result to the most
// recent turns.
func (s *Store) History(sessionID string, maxTurns int) []Turn {
	if sessionID == "" {
		return nil
	}

	sess, release := s.acquire(sessionID)
	defer release()

	turns := sess.data.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Replace swaps a session's entire history and resets its token count.
func (s *Store) Replace(sessionID string, turns []Turn) {
	if sessionID == "" {
		s.logger.Debug("Replace with no session ignored")
		return
	}

	sess, release := s.acquire(sessionID)
	defer release()

	sess.data.Turns = append([]Turn(nil), turns...)
	sess.data.TokenCount = 0
}

// AddUsage adds consumed tokens to a session's running count.
func (s *Store) AddUsage(sessionID string, tokens int) {
	if sessionID == "" || tokens <= 0 {
		return
	}

	sess, release := s.acquire(sessionID)
	defer release()
	sess.data.TokenCount += tokens
}

// TokenCount returns the session's accumulated token usage.
func (s *Store) TokenCount(sessionID string) int {
	if sessionID == "" {
		return 0
	}

	sess, release := s.acquire(sessionID)
	defer release()
	return sess.data.TokenCount
}

// Sessions lists known session ids in lexicographic order.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush snapshots every session to disk. Session locks are taken in
// lexicographic id order so a concurrent Flush cannot deadlock against
// another all-session operation.
func (s *Store) Flush() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	held := make([]*session, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		held = append(held, s.sessions[id])
	}
	s.mu.Unlock()

	for _, sess := range held {
		sess.mu.Lock()
	}
	snapshots := make([]sessionData, len(held))
	for i, sess := range held {
		snapshots[i] = sessionData{
			SessionID:  sess.data.SessionID,
			Turns:      append([]Turn(nil), sess.data.Turns...),
			TokenCount: sess.data.TokenCount,
		}
	}
	for i := len(held) - 1; i >= 0; i-- {
		held[i].mu.Unlock()
	}

	var firstErr error
	written := 0
	for _, snap := range snapshots {
		if len(snap.Turns) == 0 && snap.TokenCount == 0 {
			continue
		}
		if err := s.writeSession(snap); err != nil {
			s.logger.Error("Failed to write session file",
				zap.String("session_id", snap.SessionID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}

	s.logger.Info("Flushed sessions", zap.Int("written", written), zap.Int("total", len(snapshots)))
	return firstErr
}

// writeSession writes one session file atomically via rename.
func (s *Store) writeSession(data sessionData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := s.sessionPath(data.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// sessionPath maps a session id to its file. Ids are escaped so path
// separators in a hostile id cannot escape the state dir.
func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+".json")
}
