package history

import (
	"sync"

	"github.com/zhouzirui/nbchat/backend/internal/model/chat"
	"github.com/zhouzirui/nbchat/backend/internal/prompt"
)

// MaxMessages is the per-session retention cap; oldest messages are evicted
// first once exceeded.
const MaxMessages = 10

// Store keeps bounded, in-memory chat histories keyed by session id. It is
// safe for concurrent use, but concurrent requests on the same session id are
// not mutually excluded: callers that need strict ordering must serialize
// same-session requests themselves.
type Store struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
}

// NewStore returns an empty history store.
func NewStore() *Store {
	return &Store{messages: make(map[string][]chat.Message)}
}

// AddMessage appends a message to the session. When a user-role message
// addresses a different participant than the previous user-role message, the
// session history is discarded before the append.
func (s *Store) AddMessage(sessionID string, message chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.messages[sessionID]

	if message.Role == chat.RoleUser {
		if prev, ok := lastUserMessage(existing); ok {
			current, _, _ := prompt.Parse(message.Content)
			previous, _, _ := prompt.Parse(prev.Content)
			if current != previous {
				existing = nil
			}
		}
	}

	existing = append(existing, message)
	if len(existing) > MaxMessages {
		existing = existing[len(existing)-MaxMessages:]
	}
	s.messages[sessionID] = existing
}

// History returns a copy of the session's messages, safe for the caller to
// mutate. Unknown sessions yield an empty slice.
func (s *Store) History(sessionID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied
}

// Clear removes one session's history, reporting whether it existed.
func (s *Store) Clear(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[sessionID]; !ok {
		return false
	}
	delete(s.messages, sessionID)
	return true
}

// ClearAll empties every session.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]chat.Message)
}

func lastUserMessage(messages []chat.Message) (chat.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i], true
		}
	}
	return chat.Message{}, false
}
