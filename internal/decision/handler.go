package decision

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/httputil"
	"github.com/ppiankov/approvalgate/internal/model"
)

// DecideRequest is the approver's out-of-band action.
type DecideRequest struct {
	Status string `json:"status" validate:"required,oneof=approved denied"`
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

// Handler serves the decision engine and approval resource over HTTP:
//
//	POST /v1/evaluate
//	GET  /v1/approvals?status=pending
//	GET  /v1/approvals/{id}
//	POST /v1/approvals/{id}/decision
//
// Every route requires X-API-Key when apiKey is set.
type Handler struct {
	ev     Evaluator
	svc    *ApprovalService
	logger *zap.Logger
	router chi.Router
}

// NewHandler builds the router.
func NewHandler(ev Evaluator, svc *ApprovalService, apiKey string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{ev: ev, svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Use(httputil.RequireAPIKey(apiKey))
		r.Post("/evaluate", h.evaluate)
		r.Get("/approvals", h.listApprovals)
		r.Get("/approvals/{id}", h.getApproval)
		r.Post("/approvals/{id}/decision", h.decide)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := req.Call.Validate(); err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	var (
		v   model.Verdict
		err error
	)
	if req.DryRun {
		v, err = Preview(r.Context(), h.ev, req.Call, req.Risk)
	} else {
		v, err = h.ev.Evaluate(r.Context(), req.Call, req.Risk)
	}
	if errors.Is(err, ErrNoDryRun) {
		_ = httputil.WriteError(w, http.StatusNotImplemented, "dry_run_unsupported", err)
		return
	}
	if err != nil {
		h.logger.Error("evaluation failed", zap.String("call", req.Call.String()), zap.Error(err))
		_ = httputil.WriteError(w, http.StatusBadGateway, "evaluation_failed", err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, ResponseFromVerdict(v))
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	var status approval.Status
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := approval.ParseStatus(s)
		if err != nil {
			_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		status = parsed
	}
	list := h.svc.List(status)
	if list == nil {
		list = []Approval{}
	}
	_ = httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) getApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, a.RemoteStatus())
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		_ = httputil.WriteError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	a, err := h.svc.Decide(chi.URLParam(r, "id"), approval.Status(req.Status), req.Actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, a.RemoteStatus())
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrApprovalNotFound):
		_ = httputil.WriteError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, ErrAlreadyDecided):
		_ = httputil.WriteError(w, http.StatusConflict, "conflict", err)
	default:
		_ = httputil.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
