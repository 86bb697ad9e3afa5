package store

import (
	"context"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
)

type terminalEntry struct {
	status  build.Status
	expires time.Time
}

// MemoryStore is a process-local Store. State does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	active   map[string]build.Request
	queue    []build.Request
	terminal map[string]terminalEntry
}

// NewMemoryStore returns an empty store. A ttl <= 0 keeps terminal records forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		active:   make(map[string]build.Request),
		terminal: make(map[string]terminalEntry),
	}
}

func (m *MemoryStore) AddActive(_ context.Context, req build.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[req.BuildID] = req
	return nil
}

func (m *MemoryStore) RemoveActive(_ context.Context, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, buildID)
	return nil
}

func (m *MemoryStore) ActiveRequests(context.Context) ([]build.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]build.Request, 0, len(m.active))
	for _, req := range m.active {
		out = append(out, req)
	}
	return sortByID(out), nil
}

func (m *MemoryStore) PushQueue(_ context.Context, req build.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, req)
	return nil
}

func (m *MemoryStore) ClaimNext(context.Context) (build.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return build.Request{}, false, nil
	}
	req := m.queue[0]
	m.queue[0] = build.Request{}
	m.queue = m.queue[1:]
	m.active[req.BuildID] = req
	return req, true, nil
}

func (m *MemoryStore) Unclaim(_ context.Context, req build.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, req.BuildID)
	m.queue = append([]build.Request{req}, m.queue...)
	return nil
}

func (m *MemoryStore) QueuedRequests(context.Context) ([]build.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]build.Request, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *MemoryStore) QueueLength(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

func (m *MemoryStore) MarkTerminal(_ context.Context, buildID string, status build.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := terminalEntry{status: status}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.terminal[buildID] = entry
	return nil
}

func (m *MemoryStore) TerminalStatus(_ context.Context, buildID string) (build.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.terminal[buildID]
	if !ok {
		return "", false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.terminal, buildID)
		return "", false, nil
	}
	return entry.status, true, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
