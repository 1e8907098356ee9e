package approvalgate

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/httputil"
)

// Request headers read by Middleware.
const (
	RunIDHeader = "X-Approvalgate-Run-Id"
	StepHeader  = "X-Approvalgate-Step"
)

// MiddlewareTool is the tool name governed HTTP requests are evaluated as.
const MiddlewareTool = "http_request"

// Middleware governs each request before passing it to next. Blocked
// requests get 403; requests waiting on approval get 202 with the ticket.
// Repeating the request after approval passes it through once.
func (g *Governor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := callFromRequest(r, g.NewRunID)
		d := call.descriptor()

		served := false
		exec := func(ctx context.Context) (gateway.Output, error) {
			served = true
			next.ServeHTTP(w, r.WithContext(ctx))
			return gateway.Output{}, nil
		}

		res, err := g.st.Gateway.Intercept(r.Context(), d, exec)
		if err == nil && res.IsSuspended() {
			res, err = g.settle(r.Context(), d, *res.Ticket, g.wait, exec)
		}
		if served {
			return
		}
		if err != nil {
			_ = httputil.WriteError(w, http.StatusInternalServerError, "internal", err)
			return
		}

		switch {
		case res.IsSuspended():
			_ = httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
				"status":   "approval_required",
				"approval": res.Err(),
			})
		case res.IsBlocked():
			_ = httputil.WriteJSON(w, http.StatusForbidden, map[string]any{
				"blocked":   true,
				"kind":      string(res.Kind),
				"reason":    res.Reason,
				"policy_id": res.Verdict.PolicyID,
			})
		}
	})
}

// callFromRequest maps an HTTP request to a governed call.
func callFromRequest(r *http.Request, newRunID func() string) Call {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	runID := r.Header.Get(RunIDHeader)
	if runID == "" {
		runID = newRunID()
	}
	step, _ := strconv.Atoi(r.Header.Get(StepHeader))
	if step < 0 {
		step = 0
	}
	var size int64
	if r.ContentLength > 0 {
		size = r.ContentLength
	}
	return Call{
		RunID: runID,
		Tool:  MiddlewareTool,
		Step:  step,
		Args: Args(
			"method", strings.ToUpper(r.Method),
			"host", host,
			"path", r.URL.Path,
			"bytes", size,
		),
	}
}
