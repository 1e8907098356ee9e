package decision

import (
	"time"

	"github.com/ppiankov/approvalgate/internal/model"
)

// EvaluateRequest is the body of POST /v1/evaluate and the gRPC request.
// DryRun asks for a preview that registers no approval.
type EvaluateRequest struct {
	Call   model.CallDescriptor `json:"call"`
	Risk   model.RiskTag        `json:"risk"`
	DryRun bool                 `json:"dry_run,omitempty"`
}

// ApprovalRef identifies the approval an engine registered.
type ApprovalRef struct {
	ID               string    `json:"id"`
	DecisionEndpoint string    `json:"decision_endpoint"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// EvaluateResponse is the engine's answer.
type EvaluateResponse struct {
	Decision string       `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
	PolicyID string       `json:"policy_id,omitempty"`
	Approval *ApprovalRef `json:"approval,omitempty"`
}

// Verdict converts the response. Unknown decisions become Deny.
func (r EvaluateResponse) Verdict() model.Verdict {
	v := model.Verdict{
		Decision: model.ParseDecision(r.Decision),
		Reason:   r.Reason,
		PolicyID: r.PolicyID,
	}
	if v.Decision == model.Deny && r.Decision != string(model.Deny) && v.Reason == "" {
		v.Reason = "unknown decision " + r.Decision
	}
	if v.Decision == model.RequireApproval && r.Approval != nil {
		v.ApprovalID = r.Approval.ID
		v.DecisionEndpoint = r.Approval.DecisionEndpoint
		v.ExpiresAt = r.Approval.ExpiresAt
	}
	return v
}

// ResponseFromVerdict builds the wire form of v.
func ResponseFromVerdict(v model.Verdict) EvaluateResponse {
	r := EvaluateResponse{
		Decision: string(v.Decision),
		Reason:   v.Reason,
		PolicyID: v.PolicyID,
	}
	if v.Decision == model.RequireApproval && v.ApprovalID != "" {
		r.Approval = &ApprovalRef{
			ID:               v.ApprovalID,
			DecisionEndpoint: v.DecisionEndpoint,
			ExpiresAt:        v.ExpiresAt,
		}
	}
	return r
}
