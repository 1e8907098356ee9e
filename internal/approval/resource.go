package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ppiankov/approvalgate/internal/httputil"
)

// APIKeyHeader carries the approval resource credential.
const APIKeyHeader = httputil.APIKeyHeader

// DecisionInfo is the approver's decision as reported by the resource.
type DecisionInfo struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RemoteStatus is the approval resource's view of one ticket.
type RemoteStatus struct {
	ID        string        `json:"id,omitempty"`
	Status    Status        `json:"status"`
	Decision  *DecisionInfo `json:"decision,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// Resolution converts a non-pending remote status into a local resolution.
func (r RemoteStatus) Resolution(now time.Time) Resolution {
	res := Resolution{Status: r.Status, ResolvedAt: now.UTC()}
	if r.Decision != nil {
		res.Actor = r.Decision.Actor
		res.Reason = r.Decision.Reason
	}
	return res
}

// Resource reads ticket status from the approval resource.
// Errors are transport failures; they never mean denied.
type Resource interface {
	Fetch(ctx context.Context, t Ticket) (RemoteStatus, error)
}

// ResourceFunc adapts a function to Resource.
type ResourceFunc func(ctx context.Context, t Ticket) (RemoteStatus, error)

func (f ResourceFunc) Fetch(ctx context.Context, t Ticket) (RemoteStatus, error) { return f(ctx, t) }

// StatusError is a non-2xx answer from the approval resource.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("approval resource returned %d: %s", e.Code, e.Body)
}

// HTTPResource queries GET {decision_endpoint}.
type HTTPResource struct {
	client *http.Client
	apiKey string
}

// NewHTTPResource creates an HTTPResource. A nil client uses a 10s timeout.
func NewHTTPResource(apiKey string, client *http.Client) *HTTPResource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPResource{client: client, apiKey: apiKey}
}

// Fetch reads the ticket's status. 5xx and network errors are retryable;
// 4xx and malformed bodies are wrapped as permanent.
func (h *HTTPResource) Fetch(ctx context.Context, t Ticket) (RemoteStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.DecisionEndpoint, nil)
	if err != nil {
		return RemoteStatus{}, backoff.Permanent(fmt.Errorf("invalid decision endpoint: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set(APIKeyHeader, h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return RemoteStatus{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RemoteStatus{}, err
	}
	if resp.StatusCode >= 500 {
		return RemoteStatus{}, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode >= 300 {
		return RemoteStatus{}, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	var rs RemoteStatus
	if err := json.Unmarshal(body, &rs); err != nil {
		return RemoteStatus{}, backoff.Permanent(fmt.Errorf("malformed approval status: %w", err))
	}
	if _, err := ParseStatus(string(rs.Status)); err != nil {
		return RemoteStatus{}, backoff.Permanent(err)
	}
	return rs, nil
}
