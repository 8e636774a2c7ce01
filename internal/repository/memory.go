package repository

import (
	"context"
	"sync"
	"time"

	"chat-proxy/internal/domain"
)

type memoryEntry struct {
	messages  []domain.Message
	expiresAt time.Time
}

// MemoryStore is an in-memory HistoryStore for tests and local runs. It
// applies the same window and TTL semantics as the DynamoDB store; the
// mutex serializes appends per process.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxHistory int
	ttl        time.Duration

	now func() time.Time
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore(maxHistory int, ttl time.Duration) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxHistory: maxHistory,
		ttl:        ttl,
		now:        time.Now,
	}
}

func memoryKey(userID, conversationID string) string {
	return convPK(userID) + "/" + convSK(conversationID)
}

// GetHistory returns a copy of the stored turns, or an empty slice when the
// key is absent or expired.
func (s *MemoryStore) GetHistory(_ context.Context, userID, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(userID, conversationID)
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}

	out := make([]domain.Message, len(entry.messages))
	copy(out, entry.messages)
	return out, nil
}

// AddMessage appends one turn, trims to the window and refreshes the TTL.
func (s *MemoryStore) AddMessage(_ context.Context, userID, conversationID string, role domain.Role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(userID, conversationID)
	entry := s.entries[key]
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		entry = memoryEntry{}
	}

	entry.messages = append(entry.messages, domain.Message{Role: role, Text: text})
	if len(entry.messages) > s.maxHistory {
		entry.messages = entry.messages[len(entry.messages)-s.maxHistory:]
	}
	entry.expiresAt = s.now().Add(s.ttl)
	s.entries[key] = entry
	return nil
}

// Clear removes the conversation.
func (s *MemoryStore) Clear(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey(userID, conversationID))
	return nil
}

// Len returns the number of stored conversations.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
