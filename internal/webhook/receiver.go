package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/httputil"
)

// Receiver applies approval.decisioned events to a ticket store. Pollers
// waiting on the ticket wake up immediately.
//
//	POST /v1/events
//	GET  /healthz
type Receiver struct {
	store      *approval.Store
	secret     string
	onResolved func(approval.Ticket)
	logger     *zap.Logger
	router     chi.Router
}

// NewReceiver builds the router. An empty secret accepts unsigned events.
// onResolved may be nil.
func NewReceiver(store *approval.Store, secret string, onResolved func(approval.Ticket), logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &Receiver{store: store, secret: secret, onResolved: onResolved, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/events", rc.handleEvent)
	rc.router = r
	return rc
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.router.ServeHTTP(w, r)
}

func (rc *Receiver) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if rc.secret != "" && !Verify(rc.secret, body, r.Header.Get(SignatureHeader)) {
		_ = httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing or invalid %s", SignatureHeader))
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := httputil.ValidateStruct(ev); err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	t, err := rc.store.Resolve(r.Context(), ev.ApprovalID, ev.Resolution())
	switch {
	case errors.Is(err, approval.ErrTicketNotFound):
		_ = httputil.WriteError(w, http.StatusNotFound, "not_found", err)
		return
	case errors.Is(err, approval.ErrInvalidTransition):
		_ = httputil.WriteError(w, http.StatusConflict, "conflict", err)
		return
	case err != nil:
		rc.logger.Error("failed to apply webhook event", zap.String("ticket_id", ev.ApprovalID), zap.Error(err))
		_ = httputil.WriteError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	rc.logger.Info("approval event applied",
		zap.String("ticket_id", t.ID),
		zap.String("run_id", t.RunID()),
		zap.String("status", string(t.Status)),
	)
	if rc.onResolved != nil {
		rc.onResolved(t)
	}
	_ = httputil.WriteJSON(w, http.StatusOK, approval.RemoteStatus{ID: t.ID, Status: t.Status, Decision: decisionOf(t)})
}

func decisionOf(t approval.Ticket) *approval.DecisionInfo {
	if t.Resolution == nil {
		return nil
	}
	return &approval.DecisionInfo{Actor: t.Resolution.Actor, Reason: t.Resolution.Reason}
}
