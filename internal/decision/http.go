package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/httputil"
	"github.com/ppiankov/approvalgate/internal/model"
)

// HTTPClient calls a remote decision engine over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
}

// NewHTTPClient creates a client for the engine at baseURL.
func NewHTTPClient(baseURL, apiKey string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client, retry: DefaultRetry}
}

// WithRetry replaces the retry policy for Evaluate.
func (c *HTTPClient) WithRetry(p RetryPolicy) *HTTPClient {
	c.retry = p
	return c
}

// Evaluate posts the call to {base}/v1/evaluate. Network failures and 5xx
// answers are retried under the client's RetryPolicy; other failures are
// returned at once. Wrap with FailClosed.
func (c *HTTPClient) Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return c.evaluate(ctx, EvaluateRequest{Call: d, Risk: tag})
}

// Match posts a dry-run evaluation. The engine registers no approval.
func (c *HTTPClient) Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return c.evaluate(ctx, EvaluateRequest{Call: d, Risk: tag, DryRun: true})
}

func (c *HTTPClient) evaluate(ctx context.Context, req EvaluateRequest) (model.Verdict, error) {
	return retry(ctx, c.retry, func() (model.Verdict, error) {
		var out EvaluateResponse
		if err := c.post(ctx, "/v1/evaluate", req, &out); err != nil {
			return model.Verdict{}, err
		}
		return out.Verdict(), nil
	})
}

// Decide records an approver's decision on approval id.
func (c *HTTPClient) Decide(ctx context.Context, id string, dr DecideRequest) (approval.RemoteStatus, error) {
	var out approval.RemoteStatus
	if err := c.post(ctx, "/v1/approvals/"+url.PathEscape(id)+"/decision", dr, &out); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return approval.RemoteStatus{}, err
	}
	return out, nil
}

// post sends one request. Failures that a retry cannot fix are marked
// backoff.Permanent.
func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(httputil.APIKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("decision engine request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented:
		return fmt.Errorf("decision engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("decision engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("malformed decision engine response: %w", err))
	}
	return nil
}
