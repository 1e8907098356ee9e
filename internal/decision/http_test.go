package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/httputil"
	"github.com/ppiankov/approvalgate/internal/model"
)

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *ApprovalService) {
	t.Helper()
	svc := NewApprovalService("")
	e, err := NewLocalEngine(DefaultEngineConfig(), svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewHandler(e, svc, apiKey, nil))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestHTTPClientRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	c := NewHTTPClient(srv.URL+"/", "secret", srv.Client())
	ctx := context.Background()

	v, err := c.Evaluate(ctx, model.NewToolCall("run-1", 0, "issue_refund", model.Args("amount", 750)), tag(model.RiskUnclassified))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Decision != model.RequireApproval || v.ApprovalID == "" {
		t.Errorf("unexpected verdict %+v", v)
	}

	v, err = c.Evaluate(ctx, model.NewToolCall("run-1", 1, "delete_file", nil), tag(model.RiskDestructive))
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != model.Deny || v.Reason == "" {
		t.Errorf("expected deny with reason, got %+v", v)
	}
}

func TestHTTPClientMatchIsDryRun(t *testing.T) {
	srv, svc := newTestServer(t, "")
	c := NewHTTPClient(srv.URL, "", srv.Client())

	v, err := c.Match(context.Background(), model.NewToolCall("run-1", 0, "issue_refund", model.Args("amount", 750)), tag(model.RiskUnclassified))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if v.Decision != model.RequireApproval || v.ApprovalID != "" {
		t.Errorf("expected ticketless require_approval, got %+v", v)
	}
	if n := len(svc.List("")); n != 0 {
		t.Fatalf("dry run registered %d approvals", n)
	}
}

func TestHandlerDryRunUnsupported(t *testing.T) {
	plain := EvaluatorFunc(func(context.Context, model.CallDescriptor, model.RiskTag) (model.Verdict, error) {
		return model.AllowVerdict(), nil
	})
	srv := httptest.NewServer(NewHandler(plain, NewApprovalService(""), "", nil))
	t.Cleanup(srv.Close)

	var hits atomic.Int32
	c := NewHTTPClient(srv.URL, "", &http.Client{Transport: countingTransport(&hits, srv.Client().Transport)})
	if _, err := c.Match(context.Background(), model.NewToolCall("r", 0, "x", nil), model.RiskTag{}); err == nil {
		t.Fatal("expected error for an engine without dry run")
	}
	if hits.Load() != 1 {
		t.Errorf("501 must not be retried, got %d requests", hits.Load())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func countingTransport(n *atomic.Int32, next http.RoundTripper) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		n.Add(1)
		return next.RoundTrip(r)
	})
}

func TestHTTPClientErrors(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	c := NewHTTPClient(srv.URL, "wrong", srv.Client())
	if _, err := c.Evaluate(context.Background(), model.NewToolCall("r", 0, "x", nil), model.RiskTag{}); err == nil {
		t.Error("expected error on 401")
	}

	down := NewHTTPClient("http://127.0.0.1:1", "", &http.Client{Timeout: 200 * time.Millisecond}).
		WithRetry(RetryPolicy{MaxTries: 2, Wait: time.Millisecond})
	v, err := FailClosed(down, model.Deny, nil).Evaluate(context.Background(), model.NewToolCall("r", 0, "x", nil), model.RiskTag{})
	if err != nil || v.Decision != model.Deny {
		t.Errorf("unreachable engine must fail closed, got %+v %v", v, err)
	}
}

func TestHTTPClientRetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantHits int32
		wantErr  bool
	}{
		{name: "503 then allow", statuses: []int{503, 200}, wantHits: 2},
		{name: "exhausted", statuses: []int{502, 502, 502, 200}, wantHits: 3, wantErr: true},
		{name: "400 not retried", statuses: []int{400, 200}, wantHits: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				code := tt.statuses[hits.Add(1)-1]
				if code != http.StatusOK {
					http.Error(w, "unavailable", code)
					return
				}
				w.Write([]byte(`{"decision":"allow"}`))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", srv.Client()).WithRetry(RetryPolicy{MaxTries: 3, Wait: time.Millisecond})
			v, err := c.Evaluate(context.Background(), model.NewToolCall("run-1", 0, "lookup_order", nil), model.RiskTag{})
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v.Decision != model.Allow {
				t.Errorf("expected allow, got %+v", v)
			}
			if hits.Load() != tt.wantHits {
				t.Errorf("hits = %d, want %d", hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestHTTPClientRetryReusesPendingApproval(t *testing.T) {
	svc := NewApprovalService("")
	e, err := NewLocalEngine(DefaultEngineConfig(), svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(e, svc, "", nil)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
		if hits.Add(1) == 1 {
			// the engine answered but the response is lost on the way back
			panic(http.ErrAbortHandler)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", srv.Client()).WithRetry(RetryPolicy{MaxTries: 3, Wait: time.Millisecond})
	v, err := c.Evaluate(context.Background(), model.NewToolCall("run-1", 1, "issue_refund", model.Args("amount", 750)), tag(model.RiskUnclassified))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Decision != model.RequireApproval {
		t.Fatalf("expected require_approval, got %+v", v)
	}
	if n := len(svc.List("")); n != 1 {
		t.Errorf("retry opened %d approvals, want 1", n)
	}
}

func TestHandlerApprovalLifecycle(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	a, _ := svc.Create(model.NewToolCall("run-1", 0, "sudo", nil), "review", "p", time.Hour)

	do := func(method, path string, body any) (*http.Response, approval.RemoteStatus) {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			json.NewEncoder(&buf).Encode(body)
		}
		req, _ := http.NewRequest(method, srv.URL+path, &buf)
		req.Header.Set(httputil.APIKeyHeader, "secret")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var rs approval.RemoteStatus
		json.NewDecoder(resp.Body).Decode(&rs)
		return resp, rs
	}

	resp, rs := do(http.MethodGet, "/v1/approvals/"+a.ID, nil)
	if resp.StatusCode != http.StatusOK || rs.Status != approval.StatusPending {
		t.Fatalf("GET: %d %+v", resp.StatusCode, rs)
	}

	resp, _ = do(http.MethodPost, "/v1/approvals/"+a.ID+"/decision", DecideRequest{Status: "maybe", Actor: "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status should be 400, got %d", resp.StatusCode)
	}

	resp, rs = do(http.MethodPost, "/v1/approvals/"+a.ID+"/decision", DecideRequest{Status: "approved", Actor: "alice", Reason: "ok"})
	if resp.StatusCode != http.StatusOK || rs.Status != approval.StatusApproved || rs.Decision.Actor != "alice" {
		t.Fatalf("decide: %d %+v", resp.StatusCode, rs)
	}

	resp, _ = do(http.MethodPost, "/v1/approvals/"+a.ID+"/decision", DecideRequest{Status: "denied", Actor: "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("conflicting decision should be 409, got %d", resp.StatusCode)
	}

	resp, _ = do(http.MethodGet, "/v1/approvals/unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown approval should be 404, got %d", resp.StatusCode)
	}
}

func TestHandlerRequiresAPIKey(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	a, _ := svc.Create(model.NewToolCall("run-1", 0, "sudo", nil), "review", "p", time.Hour)

	resp, err := srv.Client().Get(srv.URL + "/v1/approvals/" + a.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

// The poller's HTTP resource reads the handler's approval endpoint.
func TestHTTPResourceAgainstHandler(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	a, _ := svc.Create(model.NewToolCall("run-1", 0, "sudo", nil), "review", "p", time.Hour)
	svc.Decide(a.ID, approval.StatusDenied, "carol", "not today")

	res := approval.NewHTTPResource("secret", srv.Client())
	rs, err := res.Fetch(context.Background(), approval.Ticket{ID: a.ID, DecisionEndpoint: srv.URL + "/v1/approvals/" + a.ID})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rs.Status != approval.StatusDenied || rs.Decision == nil || rs.Decision.Reason != "not today" {
		t.Errorf("unexpected status %+v", rs)
	}
}

func TestHTTPClientDecide(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	c := NewHTTPClient(srv.URL, "secret", srv.Client())
	ctx := context.Background()

	v, err := c.Evaluate(ctx, model.NewToolCall("run-d", 0, "issue_refund", model.Args("amount", 600)), tag(model.RiskUnclassified))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	rs, err := c.Decide(ctx, v.ApprovalID, DecideRequest{Status: "approved", Actor: "alice", Reason: "verified"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if rs.Status != approval.StatusApproved || rs.Decision == nil || rs.Decision.Actor != "alice" {
		t.Errorf("unexpected remote status %+v", rs)
	}
	if a, _ := svc.Get(v.ApprovalID); a.Status != approval.StatusApproved {
		t.Errorf("service should hold the decision, got %s", a.Status)
	}

	if _, err := c.Decide(ctx, v.ApprovalID, DecideRequest{Status: "denied", Actor: "bob"}); err == nil {
		t.Error("expected conflict on second decision")
	}
	if _, err := c.Decide(ctx, "missing", DecideRequest{Status: "approved", Actor: "alice"}); err == nil {
		t.Error("expected not found")
	}
}
