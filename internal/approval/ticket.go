package approval

import (
	"time"

	"github.com/ppiankov/approvalgate/internal/model"
)

// Resolution records how and by whom a ticket was decided.
type Resolution struct {
	Status     Status    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Ticket is the local record of one pending human decision.
// Status mirrors the approval resource. Granted and Consumed are local
// bookkeeping and never feed back to the server.
type Ticket struct {
	ID               string               `json:"id"`
	Call             model.CallDescriptor `json:"call"`
	ContextHash      string               `json:"context_hash"`
	Reason           string               `json:"reason"`
	PolicyID         string               `json:"policy_id,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at,omitempty"`
	DecisionEndpoint string               `json:"decision_endpoint"`
	Status           Status               `json:"status"`
	Resolution       *Resolution          `json:"resolution,omitempty"`
	Granted          bool                 `json:"granted"`
	GrantedAt        *time.Time           `json:"granted_at,omitempty"`
	Consumed         bool                 `json:"consumed"`
	ConsumedAt       *time.Time           `json:"consumed_at,omitempty"`
}

// RunID returns the run the ticket belongs to.
func (t Ticket) RunID() string { return t.Call.RunID }

// Live reports whether the ticket is unresolved and inside its validity
// window at now. A zero ExpiresAt never lapses locally.
func (t Ticket) Live(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// Reusable reports whether a repeated call with the same context hash
// should collapse onto this ticket: it is live, or it was approved and the
// approval has not been spent yet.
func (t Ticket) Reusable(now time.Time) bool {
	if t.Live(now) {
		return true
	}
	return t.Status == StatusApproved && !t.Consumed
}
