// Package webhook carries approval.decisioned events between the approval
// resource and the runtime holding the tickets.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ppiankov/approvalgate/internal/approval"
)

// EventDecisioned is the only event type.
const EventDecisioned = "approval.decisioned"

// SignatureHeader carries "sha256=<hex hmac of body>".
const SignatureHeader = "X-Approvalgate-Signature"

// Event mirrors a resolved approval.
type Event struct {
	Type       string                 `json:"type" validate:"required,eq=approval.decisioned"`
	ApprovalID string                 `json:"approval_id" validate:"required"`
	Status     approval.Status        `json:"status" validate:"required,oneof=approved denied expired"`
	Decision   *approval.DecisionInfo `json:"decision,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Resolution converts the event into a ticket resolution.
func (e Event) Resolution() approval.Resolution {
	return approval.RemoteStatus{Status: e.Status, Decision: e.Decision}.Resolution(e.OccurredAt)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
