package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/model"
)

// Store owns ticket lifecycle on top of a Backend. Read-modify-write
// operations are serialized so Open stays idempotent under concurrent
// callers.
type Store struct {
	backend Backend
	mu      sync.Mutex
	subs    map[string][]chan struct{}
	now     func() time.Time
	logger  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store. A nil backend uses memory.
func NewStore(b Backend, opts ...StoreOption) *Store {
	if b == nil {
		b = NewMemoryBackend()
	}
	s := &Store{
		backend: b,
		subs:    make(map[string][]chan struct{}),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now reads the store's clock.
func (s *Store) Now() time.Time { return s.now() }

// Open returns the ticket for a RequireApproval verdict on d. If the run
// already holds a reusable ticket with the same context hash, that ticket is
// returned unchanged and created is false.
func (s *Store) Open(ctx context.Context, d model.CallDescriptor, v model.Verdict) (t Ticket, created bool, err error) {
	if v.Decision != model.RequireApproval {
		return Ticket{}, false, fmt.Errorf("cannot open ticket for %s verdict", v.Decision)
	}
	if err := v.Validate(); err != nil {
		return Ticket{}, false, err
	}
	hash, err := model.ContextHash(d)
	if err != nil {
		return Ticket{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, err := s.backend.List(ctx, d.RunID)
	if err != nil {
		return Ticket{}, false, err
	}
	for _, e := range existing {
		if e.ContextHash == hash && e.Reusable(now) {
			return e, false, nil
		}
	}

	// The engine may dedupe on its side and hand back a known id.
	if known, err := s.backend.Get(ctx, v.ApprovalID); err == nil {
		return known, false, nil
	} else if !errors.Is(err, ErrTicketNotFound) {
		return Ticket{}, false, err
	}

	t = Ticket{
		ID:               v.ApprovalID,
		Call:             d,
		ContextHash:      hash,
		Reason:           v.Reason,
		PolicyID:         v.PolicyID,
		CreatedAt:        now.UTC(),
		ExpiresAt:        v.ExpiresAt,
		DecisionEndpoint: v.DecisionEndpoint,
		Status:           StatusPending,
	}
	if err := s.backend.Put(ctx, t); err != nil {
		return Ticket{}, false, err
	}
	s.logger.Info("approval ticket opened",
		zap.String("ticket_id", t.ID),
		zap.String("run_id", d.RunID),
		zap.String("call", d.String()),
		zap.String("context_hash", hash),
	)
	return t, true, nil
}

// Get returns the ticket with id.
func (s *Store) Get(ctx context.Context, id string) (Ticket, error) {
	return s.backend.Get(ctx, id)
}

// List returns tickets for runID, or all tickets when runID is empty.
func (s *Store) List(ctx context.Context, runID string) ([]Ticket, error) {
	return s.backend.List(ctx, runID)
}

// Resolve applies a terminal status. Re-applying the same terminal status
// is a no-op; a conflicting one is ErrInvalidTransition.
func (s *Store) Resolve(ctx context.Context, id string, r Resolution) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if t.Status == r.Status && t.Status.Terminal() {
		return t, nil
	}
	if err := Transition(t.Status, r.Status); err != nil {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, err)
	}
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = s.now().UTC()
	}
	t.Status = r.Status
	t.Resolution = &r
	if err := s.backend.Put(ctx, t); err != nil {
		return Ticket{}, err
	}

	for _, ch := range s.subs[id] {
		close(ch)
	}
	delete(s.subs, id)

	s.logger.Info("approval ticket resolved",
		zap.String("ticket_id", id),
		zap.String("run_id", t.RunID()),
		zap.String("status", string(r.Status)),
		zap.String("actor", r.Actor),
	)
	return t, nil
}

// MarkGranted acknowledges an approved ticket so that it can be resumed.
// Idempotent.
func (s *Store) MarkGranted(ctx context.Context, id string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if t.Status != StatusApproved {
		return Ticket{}, fmt.Errorf("ticket %s is %s: %w", id, t.Status, ErrNotApproved)
	}
	if t.Granted {
		return t, nil
	}
	now := s.now().UTC()
	t.Granted = true
	t.GrantedAt = &now
	if err := s.backend.Put(ctx, t); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// MarkConsumed records that the gated call ran. Idempotent.
func (s *Store) MarkConsumed(ctx context.Context, id string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if !t.Granted {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotGranted)
	}
	if t.Consumed {
		return t, nil
	}
	now := s.now().UTC()
	t.Consumed = true
	t.ConsumedAt = &now
	if err := s.backend.Put(ctx, t); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// TeardownRun drops every ticket of runID. Server-side approvals are left
// alone.
func (s *Store) TeardownRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.DeleteRun(ctx, runID)
}

// Subscribe returns a channel closed once the ticket resolves, and a
// cancel func releasing it. An already resolved ticket yields a closed
// channel.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan struct{})
	if t.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	s.subs[id] = append(s.subs[id], ch)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[id]
		for i, c := range list {
			if c == ch {
				s.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
	return ch, cancel, nil
}
