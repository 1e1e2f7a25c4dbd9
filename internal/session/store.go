// Package session keeps per-agent conversation transcripts in memory.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coswise/claude-code-by-agents/internal/stream"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// GroupID is the key of the shared conversation that addresses the
// orchestrator.
const GroupID = "group"

// Session is a snapshot of one agent's conversation.
type Session struct {
	AgentID      string               `json:"agentId"`
	SessionToken string               `json:"sessionToken,omitempty"`
	Messages     []models.ChatMessage `json:"messages"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// entry is one conversation. Its mutex serializes writers for that key.
type entry struct {
	mu      sync.Mutex
	session Session
	// openID is the assistant message that streamed text still appends to.
	openID string
}

// Store holds conversations keyed by agent id (or GroupID).
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	newID   func() string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// get returns the entry for key, creating it on first use. The store mutex
// only guards the map.
func (s *Store) get(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{session: Session{AgentID: key}}
		s.entries[key] = e
	}
	return e
}

func (s *Store) lookup(key string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// AppendUser records a user message and closes any open assistant message.
func (s *Store) AppendUser(key, requestID, text string) models.ChatMessage {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := models.ChatMessage{
		ID:        s.newID(),
		Kind:      models.MessageUser,
		Content:   text,
		AgentID:   key,
		RequestID: requestID,
		Timestamp: s.now(),
	}
	e.session.Messages = append(e.session.Messages, msg)
	e.session.UpdatedAt = msg.Timestamp
	e.openID = ""
	return msg
}

// Apply classifies ev and updates the transcript of key. Assistant text for
// requestID extends the open assistant message when that message is still
// the last one; any other message, and every terminal event, closes it. A
// payload carrying a session id updates the session token.
//
// It returns the messages as they stand after the update.
func (s *Store) Apply(key, requestID string, ev models.StreamEvent) []models.ChatMessage {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Type == models.EventData {
		if p, err := ev.Payload(); err == nil && p.SessionID != "" {
			e.session.SessionToken = p.SessionID
		}
	}

	var touched []models.ChatMessage
	for _, msg := range stream.Classify(ev) {
		msg.AgentID = key
		msg.RequestID = requestID

		if msg.Kind == models.MessageAssistant {
			if last := e.lastOpen(requestID); last != nil {
				last.Content += msg.Content
				touched = append(touched, *last)
				continue
			}
			msg.ID = s.newID()
			e.session.Messages = append(e.session.Messages, msg)
			e.openID = msg.ID
			touched = append(touched, msg)
			continue
		}

		msg.ID = s.newID()
		e.session.Messages = append(e.session.Messages, msg)
		e.openID = ""
		touched = append(touched, msg)
	}

	if ev.Type.Terminal() {
		e.openID = ""
	}
	if len(touched) > 0 || ev.Type.Terminal() {
		e.session.UpdatedAt = s.now()
	}
	return touched
}

// lastOpen returns the open assistant message when it is the last message
// and belongs to requestID.
func (e *entry) lastOpen(requestID string) *models.ChatMessage {
	n := len(e.session.Messages)
	if n == 0 || e.openID == "" {
		return nil
	}
	last := &e.session.Messages[n-1]
	if last.ID != e.openID || last.Kind != models.MessageAssistant || last.RequestID != requestID {
		return nil
	}
	return last
}

// Snapshot returns a copy of the conversation of key.
func (s *Store) Snapshot(key string) Session {
	e, ok := s.lookup(key)
	if !ok {
		return Session{AgentID: key}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.session
	snap.Messages = append([]models.ChatMessage(nil), e.session.Messages...)
	return snap
}

// Token returns the resumable session token of key.
func (s *Store) Token(key string) string {
	e, ok := s.lookup(key)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.SessionToken
}

// SetToken sets the resumable session token of key.
func (s *Store) SetToken(key, token string) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.SessionToken = token
	e.session.UpdatedAt = s.now()
}

// Clear drops the conversation of key.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys returns the keys of all conversations, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
