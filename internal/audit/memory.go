package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemorySink keeps entries in process. It serves the memory store driver and tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	failErr error
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends entry, or returns the configured failure.
func (m *MemorySink) Write(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

// FailWith makes every subsequent write return err. A nil err restores normal writes.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Entries returns a snapshot in write order.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// ByEventType returns the entries of one event type in write order.
func (m *MemorySink) ByEventType(eventType string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// TimelineWindow returns matching entries newest first.
func (m *MemorySink) TimelineWindow(_ context.Context, q TimelineQuery) ([]Entry, error) {
	rows := m.matching(q)
	if q.Offset >= len(rows) {
		return nil, nil
	}
	rows = rows[q.Offset:]
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// TimelineAll returns every matching entry newest first.
func (m *MemorySink) TimelineAll(_ context.Context, q TimelineQuery) ([]Entry, error) {
	return m.matching(q), nil
}

func (m *MemorySink) matching(q TimelineQuery) []Entry {
	all := m.Entries()
	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if q.Matches(all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

func refString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
