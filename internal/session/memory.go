package session

import (
	"context"
	"sync"
	"time"
)

const (
	// defaultMemoryRetention bounds sessions created with no TTL.
	defaultMemoryRetention = 30 * 24 * time.Hour
	sweepInterval          = time.Minute
)

// NewMemoryBackend keeps sessions in process memory. Sessions do not survive
// a restart and are not shared between replicas.
func NewMemoryBackend(ttl time.Duration, secure bool) Backend {
	return newIDBackend(&memorySlots{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}, "", ttl, secure, "")
}

type memoryEntry struct {
	slots     map[Slot][]byte
	expiresAt time.Time
}

type memorySlots struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

// lookup returns the live entry for id, dropping it when expired.
// Callers hold mu.
func (m *memorySlots) lookup(id string) (*memoryEntry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, id)
		return nil, false
	}
	return e, true
}

// sweep drops every expired entry, at most once per sweepInterval.
// Callers hold mu.
func (m *memorySlots) sweep() {
	now := m.now()
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	m.lastSweep = now
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}

func (m *memorySlots) get(_ context.Context, id string, slot Slot) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return nil, nil
	}
	return e.slots[slot], nil
}

func (m *memorySlots) put(_ context.Context, id string, slot Slot, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	e, ok := m.lookup(id)
	if !ok {
		e = &memoryEntry{slots: make(map[Slot][]byte, len(Slots))}
		m.entries[id] = e
	}
	e.slots[slot] = append([]byte(nil), data...)
	if ttl <= 0 {
		ttl = defaultMemoryRetention
	}
	e.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *memorySlots) del(_ context.Context, id string, slots ...Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	for _, s := range slots {
		delete(e.slots, s)
	}
	if len(e.slots) == 0 {
		delete(m.entries, id)
	}
	return nil
}

func (m *memorySlots) exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(id)
	return ok, nil
}

func (m *memorySlots) rename(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lookup(from); ok {
		m.entries[to] = e
		delete(m.entries, from)
	}
	return nil
}
