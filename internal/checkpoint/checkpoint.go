// Package checkpoint persists the suspended state of a run so it can be
// continued after an approval resolves.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a run has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the serialisable state of a run at a governed step.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	State     json.RawMessage `json:"state"`
	TicketID  string          `json:"ticket_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the fields every store relies on.
func (c Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint run id must not be empty")
	}
	if c.StepIndex < 0 {
		return fmt.Errorf("checkpoint step index must not be negative")
	}
	if len(c.State) > 0 && !json.Valid(c.State) {
		return fmt.Errorf("checkpoint state for run %s is not valid JSON", c.RunID)
	}
	return nil
}

// Store keeps the latest checkpoint of each run. Save replaces any
// previous checkpoint for the same run.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.RunID] = clone(cp)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[runID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return clone(cp), nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, runID)
	return nil
}

func clone(cp Checkpoint) Checkpoint {
	if cp.State != nil {
		cp.State = append(json.RawMessage(nil), cp.State...)
	}
	return cp
}
