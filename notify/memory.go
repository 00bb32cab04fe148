package notify

import (
	"context"
	"sync"
)

type memoryEntry struct {
	msg    Message
	evt    Event
	status string
}

// MemoryStream is an append-only in-process notification stream. It also
// satisfies the relay's PendingStore so the relay can run without Postgres.
type MemoryStream struct {
	mu      sync.Mutex
	entries []memoryEntry
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

func (m *MemoryStream) Emit(_ context.Context, evt Event) error {
	msg, err := encode(evt)
	if err != nil {
		return err
	}
	evt.ID, evt.CreatedAt = msg.ID, msg.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, memoryEntry{msg: msg, evt: evt, status: StatusPending})
	return nil
}

// Events returns every emitted event in append order.
func (m *MemoryStream) Events() []Event {
	return m.Since(0)
}

// Since returns events from offset onwards.
func (m *MemoryStream) Since(offset int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.entries) {
		return nil
	}
	out := make([]Event, 0, len(m.entries)-offset)
	for _, e := range m.entries[offset:] {
		out = append(out, e.evt)
	}
	return out
}

// Topics lists the topic of every event in append order.
func (m *MemoryStream) Topics() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Topic
	}
	return out
}

func (m *MemoryStream) Snapshot() func() {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.entries) > n {
			m.entries = m.entries[:n]
		}
	}
}

func (m *MemoryStream) ClaimPending(_ context.Context, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, limit)
	for _, e := range m.entries {
		if len(out) == limit {
			break
		}
		if e.status == StatusPending {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

func (m *MemoryStream) MarkProcessed(_ context.Context, id string) error {
	m.update(id, func(e *memoryEntry) { e.status = StatusProcessed })
	return nil
}

func (m *MemoryStream) MarkFailed(_ context.Context, id string, maxAttempts int) error {
	m.update(id, func(e *memoryEntry) {
		e.msg.Attempts++
		if e.msg.Attempts >= maxAttempts {
			e.status = StatusDead
		}
	})
	return nil
}

// Status reports the delivery state of the event with the given id.
func (m *MemoryStream) Status(id string) string {
	var status string
	m.update(id, func(e *memoryEntry) { status = e.status })
	return status
}

func (m *MemoryStream) update(id string, fn func(*memoryEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].msg.ID == id {
			fn(&m.entries[i])
			return
		}
	}
}
