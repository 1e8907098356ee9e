package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/model"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrAlreadyDecided   = errors.New("approval already decided")
)

// SystemActor is recorded when an approval lapses without a decision.
const SystemActor = "system"

// Approval is the server-side record of one approval request.
type Approval struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	Call        model.CallDescriptor   `json:"call"`
	ContextHash string                 `json:"context_hash"`
	Reason      string                 `json:"reason"`
	PolicyID    string                 `json:"policy_id,omitempty"`
	Status      approval.Status        `json:"status"`
	Decision    *approval.DecisionInfo `json:"decision,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	DecidedAt   *time.Time             `json:"decided_at,omitempty"`
	Endpoint    string                 `json:"decision_endpoint"`
}

// RemoteStatus renders the approval the way GET /v1/approvals/{id} does.
func (a Approval) RemoteStatus() approval.RemoteStatus {
	exp := a.ExpiresAt
	return approval.RemoteStatus{ID: a.ID, Status: a.Status, Decision: a.Decision, ExpiresAt: &exp}
}

// ApprovalService is an in-memory approval resource: the engine creates
// records, approvers decide them, pollers read them.
type ApprovalService struct {
	mu        sync.Mutex
	approvals map[string]*Approval
	baseURL   string
	now       func() time.Time
	newID     func() string
	hooks     []func(Approval)
	logger    *zap.Logger
}

// ServiceOption configures an ApprovalService.
type ServiceOption func(*ApprovalService)

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *ApprovalService) { s.now = now }
}

// WithIDGenerator overrides approval id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *ApprovalService) { s.newID = fn }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *ApprovalService) { s.logger = l }
}

// NewApprovalService creates a service whose decision endpoints live under
// baseURL. An empty baseURL produces local:// endpoints for in-process use.
func NewApprovalService(baseURL string, opts ...ServiceOption) *ApprovalService {
	s := &ApprovalService{
		approvals: make(map[string]*Approval),
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		newID:     func() string { return "apr_" + uuid.NewString() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnDecision registers fn to run after an approval leaves pending.
// Hooks run synchronously outside the service lock.
func (s *ApprovalService) OnDecision(fn func(Approval)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Endpoint returns the decision endpoint for id.
func (s *ApprovalService) Endpoint(id string) string {
	if s.baseURL == "" {
		return "local://approvals/" + id
	}
	return s.baseURL + "/v1/approvals/" + id
}

// Create registers a pending approval for d. A pending, unexpired approval
// with the same context hash is returned instead of a new one.
func (s *ApprovalService) Create(d model.CallDescriptor, reason, policyID string, ttl time.Duration) (Approval, error) {
	hash, err := model.ContextHash(d)
	if err != nil {
		return Approval{}, err
	}
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}

	s.mu.Lock()
	now := s.now().UTC()
	var fired []Approval
	for _, a := range s.approvals {
		if a.ContextHash != hash || a.Status != approval.StatusPending {
			continue
		}
		if s.expireLocked(a, now) {
			fired = append(fired, *a)
			continue
		}
		out := *a
		s.mu.Unlock()
		s.fire(fired)
		return out, nil
	}

	id := s.newID()
	a := &Approval{
		ID:          id,
		RunID:       d.RunID,
		Call:        d,
		ContextHash: hash,
		Reason:      reason,
		PolicyID:    policyID,
		Status:      approval.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Endpoint:    s.Endpoint(id),
	}
	s.approvals[id] = a
	out := *a
	s.mu.Unlock()
	s.fire(fired)

	s.logger.Info("approval requested",
		zap.String("ticket_id", id),
		zap.String("run_id", d.RunID),
		zap.String("call", d.String()),
		zap.String("context_hash", hash),
	)
	return out, nil
}

// Get returns the approval, expiring it first if its window has passed.
func (s *ApprovalService) Get(id string) (Approval, error) {
	s.mu.Lock()
	a, ok := s.approvals[id]
	if !ok {
		s.mu.Unlock()
		return Approval{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	expired := s.expireLocked(a, s.now().UTC())
	out := *a
	s.mu.Unlock()
	if expired {
		s.fire([]Approval{out})
	}
	return out, nil
}

// List returns approvals, optionally filtered by status, oldest first.
func (s *ApprovalService) List(status approval.Status) []Approval {
	s.mu.Lock()
	now := s.now().UTC()
	var out, fired []Approval
	for _, a := range s.approvals {
		if s.expireLocked(a, now) {
			fired = append(fired, *a)
		}
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	s.mu.Unlock()
	s.fire(fired)

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Decide records an approver's decision. Only approved or denied are
// accepted. Repeating the current decision is a no-op; changing it fails.
func (s *ApprovalService) Decide(id string, status approval.Status, actor, reason string) (Approval, error) {
	if status != approval.StatusApproved && status != approval.StatusDenied {
		return Approval{}, fmt.Errorf("decision must be approved or denied, got %q", status)
	}

	s.mu.Lock()
	a, ok := s.approvals[id]
	if !ok {
		s.mu.Unlock()
		return Approval{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	now := s.now().UTC()
	if s.expireLocked(a, now) {
		out := *a
		s.mu.Unlock()
		s.fire([]Approval{out})
		return out, fmt.Errorf("%w: %s expired", ErrAlreadyDecided, id)
	}
	if a.Status == status {
		out := *a
		s.mu.Unlock()
		return out, nil
	}
	if err := approval.Transition(a.Status, status); err != nil {
		out := *a
		s.mu.Unlock()
		return out, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, a.Status)
	}
	a.Status = status
	a.Decision = &approval.DecisionInfo{Actor: actor, Reason: reason}
	a.DecidedAt = &now
	out := *a
	s.mu.Unlock()

	s.logger.Info("approval decided",
		zap.String("ticket_id", id),
		zap.String("status", string(status)),
		zap.String("actor", actor),
	)
	s.fire([]Approval{out})
	return out, nil
}

// Fetch lets pollers read the service in process. Unknown ids are
// permanent failures.
func (s *ApprovalService) Fetch(_ context.Context, t approval.Ticket) (approval.RemoteStatus, error) {
	a, err := s.Get(t.ID)
	if err != nil {
		return approval.RemoteStatus{}, backoff.Permanent(err)
	}
	return a.RemoteStatus(), nil
}

// expireLocked moves a lapsed pending approval to expired.
func (s *ApprovalService) expireLocked(a *Approval, now time.Time) bool {
	if a.Status != approval.StatusPending || now.Before(a.ExpiresAt) {
		return false
	}
	a.Status = approval.StatusExpired
	a.Decision = &approval.DecisionInfo{Actor: SystemActor, Reason: "approval window elapsed"}
	a.DecidedAt = &now
	return true
}

func (s *ApprovalService) fire(decided []Approval) {
	if len(decided) == 0 {
		return
	}
	s.mu.Lock()
	hooks := append([]func(Approval){}, s.hooks...)
	s.mu.Unlock()
	for _, a := range decided {
		for _, h := range hooks {
			h(a)
		}
	}
}
