package model

import (
	"fmt"
	"time"
)

// Decision is the three-way policy outcome.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// ParseDecision maps a string to a Decision. Fail-closed: unknown → Deny.
func ParseDecision(s string) Decision {
	switch s {
	case "allow":
		return Allow
	case "require_approval", "approval_required":
		return RequireApproval
	default:
		return Deny
	}
}

// Verdict is produced once per evaluation and never mutated.
// Reason is empty for Allow. ApprovalID, DecisionEndpoint and ExpiresAt are
// set only for RequireApproval; the decision engine assigns them when it
// registers the approval request.
type Verdict struct {
	Decision         Decision  `json:"decision"`
	Reason           string    `json:"reason,omitempty"`
	PolicyID         string    `json:"policy_id,omitempty"`
	ApprovalID       string    `json:"approval_id,omitempty"`
	DecisionEndpoint string    `json:"decision_endpoint,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
}

// AllowVerdict returns an Allow verdict.
func AllowVerdict() Verdict {
	return Verdict{Decision: Allow}
}

// DenyVerdict returns a Deny verdict with the engine's reason.
func DenyVerdict(reason string) Verdict {
	return Verdict{Decision: Deny, Reason: reason}
}

// ApprovalVerdict returns a RequireApproval verdict carrying the
// server-assigned approval identity.
func ApprovalVerdict(reason, approvalID, endpoint string, expiresAt time.Time) Verdict {
	return Verdict{
		Decision:         RequireApproval,
		Reason:           reason,
		ApprovalID:       approvalID,
		DecisionEndpoint: endpoint,
		ExpiresAt:        expiresAt,
	}
}

// Validate rejects verdicts the gateway cannot act on safely.
func (v Verdict) Validate() error {
	switch v.Decision {
	case Allow, Deny:
		return nil
	case RequireApproval:
		if v.ApprovalID == "" {
			return fmt.Errorf("require_approval verdict without approval id")
		}
		if v.DecisionEndpoint == "" {
			return fmt.Errorf("require_approval verdict without decision endpoint")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision %q", v.Decision)
	}
}
