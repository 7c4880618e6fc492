// Package convctx owns the per-call conversation context: the ordered message
// history and the single system message the reasoning engine reads.
package convctx

import (
	"errors"
	"sync"
)

var ErrNoSystemMessage = errors.New("convctx: no system message")

// Store holds one call's messages. Mutations happen on the call's pipeline
// goroutine; the lock only protects snapshots taken by writers elsewhere.
type Store struct {
	mu       sync.RWMutex
	messages []Message
}

// NewStore seeds the history with a single system message.
func NewStore(systemPrompt string) *Store {
	return &Store{
		messages: []Message{{Role: RoleSystem, Text: systemPrompt}},
	}
}

// Messages returns a copy of the ordered history.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Len reports the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// SystemMessage returns the current system message text.
func (s *Store) SystemMessage() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.systemIndex(); i >= 0 {
		return s.messages[i].PlainText(), true
	}
	return "", false
}

// ReplaceSystemMessage swaps the content of the system message, wherever it
// sits in the history.
func (s *Store) ReplaceSystemMessage(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.systemIndex()
	if i < 0 {
		return ErrNoSystemMessage
	}
	s.messages[i] = Message{Role: RoleSystem, Text: content}
	return nil
}

// AppendMessage adds a plain text message.
func (s *Store) AppendMessage(role Role, content string) {
	s.append(Message{Role: role, Text: content})
}

// AppendParts adds a message with structured content.
func (s *Store) AppendParts(role Role, parts []Part) {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	s.append(Message{Role: role, Parts: cp})
}

// AppendToolResult records a tool resolution so the engine sees it next turn.
func (s *Store) AppendToolResult(toolCallID, content string) {
	s.append(Message{Role: RoleTool, Text: content, ToolCallID: toolCallID})
}

func (s *Store) append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *Store) systemIndex() int {
	for i, m := range s.messages {
		if m.Role == RoleSystem {
			return i
		}
	}
	return -1
}
