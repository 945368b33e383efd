package annotation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chronicle/anchoredit/internal/util"
)

// MemoryStore is an in-process Store used by the CLI's dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Create inserts a new record and returns it with its assigned id.
func (m *MemoryStore) Create(_ context.Context, input NewRecord) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	record := Record{
		ID:            util.NewID("req"),
		DocumentID:    input.DocumentID,
		Content:       input.Content,
		QuotedText:    input.QuotedText,
		QuotedContext: input.QuotedContext,
		AnchorHint:    input.AnchorHint,
		Author:        input.Author,
		Replies:       []Reply{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.records[record.ID] = record
	return cloneRecord(record), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if patch.Content != nil {
		record.Content = *patch.Content
	}
	if patch.State != nil {
		record.State = *patch.State
	}
	record.UpdatedAt = m.now()
	m.records[id] = record
	return cloneRecord(record), nil
}

func (m *MemoryStore) ListForDocument(_ context.Context, documentID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Record, 0)
	for _, record := range m.records {
		if record.DocumentID == documentID {
			items = append(items, cloneRecord(record))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) CreateReply(_ context.Context, id string, input ReplyInput) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return Reply{}, fmt.Errorf("reply to %s: %w", id, ErrNotFound)
	}
	reply := Reply{
		ID:        util.NewID("rep"),
		Content:   input.Content,
		Action:    input.Action,
		Author:    input.Author,
		CreatedAt: m.now(),
	}
	record.Replies = append(record.Replies, reply)
	switch input.Action {
	case ActionResolve:
		record.Resolved = true
	case ActionReopen:
		record.Resolved = false
	}
	record.UpdatedAt = reply.CreatedAt
	m.records[id] = record
	return reply, nil
}

func cloneRecord(record Record) Record {
	replies := make([]Reply, len(record.Replies))
	copy(replies, record.Replies)
	record.Replies = replies
	return record
}
