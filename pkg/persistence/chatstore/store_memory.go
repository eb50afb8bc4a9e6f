package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// InMemoryStore is a Store kept in process memory. It mirrors the ordering semantics of
// the SQLite store.
type InMemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	convs map[string]*inMemConversation
}

type inMemConversation struct {
	record   ConversationRecord
	messages []engine.Message
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: time.Now, convs: map[string]*inMemConversation{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) stamp() time.Time {
	return time.UnixMilli(s.now().UnixMilli())
}

func (s *InMemoryStore) CreateConversation(_ context.Context, title string) (ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.stamp()
	rec := ConversationRecord{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(strings.TrimSpace(title)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[rec.ID] = &inMemConversation{record: rec}
	return rec, nil
}

func (s *InMemoryStore) getLocked(convID string) (*inMemConversation, error) {
	c, ok := s.convs[convID]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", convID)
	}
	return c, nil
}

func (c *inMemConversation) snapshot() ConversationRecord {
	rec := c.record
	rec.MessageCount = len(c.messages)
	return rec
}

func (s *InMemoryStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory chat store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return ConversationRecord{}, false, nil
	}
	return c.snapshot(), true, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	records := make([]ConversationRecord, 0, len(s.convs))
	for _, c := range s.convs {
		records = append(records, c.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryStore) RenameConversation(_ context.Context, convID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(convID)
	if err != nil {
		return err
	}
	c.record.Title = normalizeTitle(strings.TrimSpace(title))
	c.record.UpdatedAt = s.stamp()
	return nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(convID); err != nil {
		return err
	}
	delete(s.convs, convID)
	return nil
}

func cloneMessage(m engine.Message) engine.Message {
	out := engine.Message{Role: m.Role, Content: m.Content}
	for _, p := range m.Parts {
		p.Data = append([]byte(nil), p.Data...)
		if len(p.Data) == 0 {
			p.Data = nil
		}
		out.Parts = append(out.Parts, p)
	}
	return out
}

func (s *InMemoryStore) AddMessage(_ context.Context, convID string, msg engine.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(convID)
	if err != nil {
		return 0, err
	}
	c.messages = append(c.messages, cloneMessage(msg))
	c.record.UpdatedAt = s.stamp()
	return len(c.messages) - 1, nil
}

func (s *InMemoryStore) Messages(_ context.Context, convID string) ([]engine.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, nil
	}
	out := make([]engine.Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *InMemoryStore) UpdateMessage(_ context.Context, convID string, index int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(convID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(c.messages) {
		return errors.Errorf("in-memory chat store: message %d out of range for conversation %s", index, convID)
	}
	c.messages[index] = editMessage(c.messages[index], content)
	c.messages = c.messages[:index+1]
	c.record.UpdatedAt = s.stamp()
	return nil
}

func (s *InMemoryStore) TruncateMessages(_ context.Context, convID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(convID)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if keep < len(c.messages) {
		c.messages = c.messages[:keep]
	}
	c.record.UpdatedAt = s.stamp()
	return nil
}
