package approval

import (
	"context"
	"sort"
	"sync"
)

// Backend persists tickets. Put is an upsert keyed by ticket id.
// List returns tickets in creation order; an empty runID lists every run.
type Backend interface {
	Put(ctx context.Context, t Ticket) error
	Get(ctx context.Context, id string) (Ticket, error)
	List(ctx context.Context, runID string) ([]Ticket, error)
	DeleteRun(ctx context.Context, runID string) error
}

// MemoryBackend keeps tickets in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tickets: make(map[string]Ticket)}
}

func (m *MemoryBackend) Put(_ context.Context, t Ticket) error {
	m.mu.Lock()
	m.tickets[t.ID] = cloneTicket(t)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, ErrTicketNotFound
	}
	return cloneTicket(t), nil
}

func (m *MemoryBackend) List(_ context.Context, runID string) ([]Ticket, error) {
	m.mu.RLock()
	var out []Ticket
	for _, t := range m.tickets {
		if runID == "" || t.RunID() == runID {
			out = append(out, cloneTicket(t))
		}
	}
	m.mu.RUnlock()
	sortTickets(out)
	return out, nil
}

func (m *MemoryBackend) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	for id, t := range m.tickets {
		if t.RunID() == runID {
			delete(m.tickets, id)
		}
	}
	m.mu.Unlock()
	return nil
}

func sortTickets(ts []Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// cloneTicket copies the pointer fields so callers cannot mutate stored state.
func cloneTicket(t Ticket) Ticket {
	t.Call.Args = t.Call.Args.Clone()
	if t.Resolution != nil {
		r := *t.Resolution
		t.Resolution = &r
	}
	if t.GrantedAt != nil {
		g := *t.GrantedAt
		t.GrantedAt = &g
	}
	if t.ConsumedAt != nil {
		c := *t.ConsumedAt
		t.ConsumedAt = &c
	}
	return t
}
