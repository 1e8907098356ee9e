package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dimension names a budget tracked per run.
type Dimension string

const (
	CallCount      Dimension = "call_count"
	ElapsedSeconds Dimension = "elapsed_seconds"
	TokenBudget    Dimension = "token_budget"
)

// Thresholds bound a run. Zero means unlimited.
type Thresholds struct {
	MaxCalls    int64         `yaml:"max_calls" json:"max_calls"`
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`
	MaxTokens   int64         `yaml:"max_tokens" json:"max_tokens"`
}

// HasLimits returns true if at least one dimension is bounded.
func (t Thresholds) HasLimits() bool {
	return t.MaxCalls > 0 || t.MaxDuration > 0 || t.MaxTokens > 0
}

// Admission is the breaker's answer for one admit request.
// The zero value allows.
type Admission struct {
	Tripped   bool
	Dimension Dimension
	Threshold int64
	Observed  int64
	Reason    string
}

// Allowed reports whether the request was admitted.
func (a Admission) Allowed() bool { return !a.Tripped }

// Snapshot is a point-in-time copy of one run's counters.
type Snapshot struct {
	RunID      string        `json:"run_id"`
	Calls      int64         `json:"calls"`
	Tokens     int64         `json:"tokens"`
	Elapsed    time.Duration `json:"elapsed"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Trips      int64         `json:"trips"`
	Thresholds Thresholds    `json:"thresholds"`
}

type runState struct {
	mu      sync.Mutex
	calls   int64
	tokens  int64
	started time.Time
	trips   int64
}

// Breaker tracks per-run budgets. State for different runs is independent;
// updates for one run are serialized by that run's mutex.
type Breaker struct {
	mu         sync.RWMutex
	runs       map[string]*runState
	thresholds Thresholds
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for trip events.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a Breaker enforcing t on every run.
func New(t Thresholds, opts ...Option) *Breaker {
	b := &Breaker{
		runs:       make(map[string]*runState),
		thresholds: t,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Thresholds returns the configured limits.
func (b *Breaker) Thresholds() Thresholds {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.thresholds
}

// SetThresholds replaces the limits for subsequent admissions.
// Counters are kept.
func (b *Breaker) SetThresholds(t Thresholds) {
	b.mu.Lock()
	b.thresholds = t
	b.mu.Unlock()
}

func (b *Breaker) state(runID string) (*runState, Thresholds) {
	b.mu.RLock()
	s, ok := b.runs[runID]
	t := b.thresholds
	b.mu.RUnlock()
	if ok {
		return s, t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.runs[runID]; !ok {
		s = &runState{}
		b.runs[runID] = s
	}
	return s, b.thresholds
}

// Admit checks one dimension and, when allowed, applies increment.
// For elapsed_seconds the increment is ignored; elapsed time is measured
// from the run's first admission. Unknown dimensions trip.
func (b *Breaker) Admit(runID string, dim Dimension, increment int64) Admission {
	s, t := b.state(runID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := b.now()
	if s.started.IsZero() {
		s.started = now
	}

	a := check(s, t, dim, increment, now)
	if a.Tripped {
		b.trip(runID, s, a)
		return a
	}
	apply(s, dim, increment)
	return a
}

// AdmitCall admits one governed call: duration is checked first, then the
// token budget, then the call count. The call counter is incremented only
// when every dimension admits.
func (b *Breaker) AdmitCall(runID string) Admission {
	s, t := b.state(runID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := b.now()
	if s.started.IsZero() {
		s.started = now
	}

	for _, dim := range []Dimension{ElapsedSeconds, TokenBudget, CallCount} {
		var inc int64
		if dim == CallCount {
			inc = 1
		}
		if a := check(s, t, dim, inc, now); a.Tripped {
			b.trip(runID, s, a)
			return a
		}
	}
	s.calls++
	return Admission{}
}

// Record adds post-call usage without checking thresholds. The next
// admission observes it. Negative amounts are ignored so counters never
// decrease.
func (b *Breaker) Record(runID string, dim Dimension, n int64) {
	if n <= 0 {
		return
	}
	s, _ := b.state(runID)
	s.mu.Lock()
	apply(s, dim, n)
	s.mu.Unlock()
}

// Snapshot returns the current counters for runID. Unknown runs report zeros.
func (b *Breaker) Snapshot(runID string) Snapshot {
	b.mu.RLock()
	s, ok := b.runs[runID]
	t := b.thresholds
	b.mu.RUnlock()

	snap := Snapshot{RunID: runID, Thresholds: t}
	if !ok {
		return snap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Calls = s.calls
	snap.Tokens = s.tokens
	snap.Trips = s.trips
	snap.StartedAt = s.started
	if !s.started.IsZero() {
		snap.Elapsed = b.now().Sub(s.started)
	}
	return snap
}

// Teardown drops all state for runID. This is the only way counters reset.
func (b *Breaker) Teardown(runID string) {
	b.mu.Lock()
	delete(b.runs, runID)
	b.mu.Unlock()
}

// Runs returns the ids of runs with live state.
func (b *Breaker) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	return ids
}

func (b *Breaker) trip(runID string, s *runState, a Admission) {
	s.trips++
	b.logger.Warn("circuit breaker tripped",
		zap.String("run_id", runID),
		zap.String("dimension", string(a.Dimension)),
		zap.Int64("threshold", a.Threshold),
		zap.Int64("observed", a.Observed),
	)
}

// check is called with s.mu held.
func check(s *runState, t Thresholds, dim Dimension, increment int64, now time.Time) Admission {
	switch dim {
	case CallCount:
		next := s.calls + increment
		if t.MaxCalls > 0 && next > t.MaxCalls {
			return Admission{
				Tripped:   true,
				Dimension: CallCount,
				Threshold: t.MaxCalls,
				Observed:  next,
				Reason:    fmt.Sprintf("circuit break: call %d exceeds max_calls %d", next, t.MaxCalls),
			}
		}
	case ElapsedSeconds:
		elapsed := now.Sub(s.started)
		if t.MaxDuration > 0 && elapsed >= t.MaxDuration {
			return Admission{
				Tripped:   true,
				Dimension: ElapsedSeconds,
				Threshold: int64(t.MaxDuration / time.Second),
				Observed:  int64(elapsed / time.Second),
				Reason:    fmt.Sprintf("circuit break: run duration %s >= max_duration %s", elapsed.Truncate(time.Millisecond), t.MaxDuration),
			}
		}
	case TokenBudget:
		// A known increment must fit; a zero increment asks whether any
		// budget is left.
		if t.MaxTokens <= 0 {
			break
		}
		if increment > 0 {
			if next := s.tokens + increment; next > t.MaxTokens {
				return Admission{
					Tripped:   true,
					Dimension: TokenBudget,
					Threshold: t.MaxTokens,
					Observed:  next,
					Reason:    fmt.Sprintf("circuit break: %d tokens would exceed max_tokens %d", next, t.MaxTokens),
				}
			}
			break
		}
		if s.tokens >= t.MaxTokens {
			return Admission{
				Tripped:   true,
				Dimension: TokenBudget,
				Threshold: t.MaxTokens,
				Observed:  s.tokens,
				Reason:    fmt.Sprintf("circuit break: %d tokens >= max_tokens %d", s.tokens, t.MaxTokens),
			}
		}
	default:
		return Admission{
			Tripped:   true,
			Dimension: dim,
			Reason:    fmt.Sprintf("circuit break: unknown dimension %q", dim),
		}
	}
	return Admission{}
}

func apply(s *runState, dim Dimension, n int64) {
	if n <= 0 {
		return
	}
	switch dim {
	case CallCount:
		s.calls += n
	case TokenBudget:
		s.tokens += n
	}
}
