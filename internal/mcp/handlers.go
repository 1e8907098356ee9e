package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/resume"
)

// --- Input/Output types ---

// CallInput describes the call the agent intends to make.
type CallInput struct {
	RunID string         `json:"run_id" jsonschema:"run identifier"`
	Tool  string         `json:"tool" jsonschema:"tool or model name"`
	Kind  string         `json:"kind,omitempty" jsonschema:"tool (default) or model"`
	Args  map[string]any `json:"args,omitempty" jsonschema:"call arguments"`
	Step  int            `json:"step,omitempty" jsonschema:"position of the call in the run"`
}

// CheckOutput contains the dry-run classification and decision.
type CheckOutput struct {
	Category string `json:"category"`
	Matched  string `json:"matched,omitempty"`
	Governed bool   `json:"governed"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// RequestOutput is the governed outcome: allowed, blocked or suspended.
type RequestOutput struct {
	Outcome  string        `json:"outcome"`
	Kind     string        `json:"kind,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	PolicyID string        `json:"policy_id,omitempty"`
	Ticket   *TicketOutput `json:"ticket,omitempty"`
}

// TicketInput names a ticket.
type TicketInput struct {
	TicketID string `json:"ticket_id" jsonschema:"approval ticket id"`
}

// TicketOutput describes a ticket.
type TicketOutput struct {
	ID               string `json:"id"`
	RunID            string `json:"run_id"`
	Call             string `json:"call"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	Actor            string `json:"actor,omitempty"`
	Decision         string `json:"decision_reason,omitempty"`
	DecisionEndpoint string `json:"decision_endpoint,omitempty"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	ContextHash      string `json:"context_hash"`
	Granted          bool   `json:"granted"`
	Consumed         bool   `json:"consumed"`
}

// WaitInput names a ticket and a wait bound.
type WaitInput struct {
	TicketID string `json:"ticket_id" jsonschema:"approval ticket id"`
	Timeout  string `json:"timeout,omitempty" jsonschema:"maximum wait (e.g. 30s), default 30s"`
}

// WaitOutput tells the agent whether it may proceed.
type WaitOutput struct {
	Proceed bool         `json:"proceed"`
	Outcome string       `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	Ticket  TicketOutput `json:"ticket"`
}

// BreakerInput names a run.
type BreakerInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// BreakerOutput is a run's counters.
type BreakerOutput struct {
	RunID       string `json:"run_id"`
	Calls       int64  `json:"calls"`
	Tokens      int64  `json:"tokens"`
	Elapsed     string `json:"elapsed"`
	Trips       int64  `json:"trips"`
	MaxCalls    int64  `json:"max_calls"`
	MaxTokens   int64  `json:"max_tokens"`
	MaxDuration string `json:"max_duration"`
}

const defaultWait = 30 * time.Second

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CallInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	d, err := descriptor(input)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	tag := s.st.Classifier.Classify(d)
	v, err := decision.Preview(ctx, s.st.Evaluator, d, tag)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	return nil, CheckOutput{
		Category: string(tag.Category),
		Matched:  tag.Matched,
		Governed: tag.Governed,
		Decision: string(v.Decision),
		Reason:   v.Reason,
		PolicyID: v.PolicyID,
	}, nil
}

func (s *Server) handleRequest(ctx context.Context, req *mcpsdk.CallToolRequest, input CallInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	d, err := descriptor(input)
	if err != nil {
		return nil, RequestOutput{}, err
	}
	res, err := s.st.Gateway.Intercept(ctx, d, proceed)
	if err != nil {
		return nil, RequestOutput{}, err
	}

	switch res.Outcome {
	case gateway.OutcomeExecuted:
		return nil, RequestOutput{Outcome: "allowed"}, nil
	case gateway.OutcomeSuspended:
		t := ticketOutput(*res.Ticket)
		return nil, RequestOutput{Outcome: string(res.Outcome), Reason: res.Reason, Ticket: &t}, nil
	default:
		out := RequestOutput{
			Outcome:  string(res.Outcome),
			Kind:     string(res.Kind),
			Reason:   res.Reason,
			PolicyID: res.Verdict.PolicyID,
		}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
}

func (s *Server) handleTicket(ctx context.Context, req *mcpsdk.CallToolRequest, input TicketInput) (*mcpsdk.CallToolResult, TicketOutput, error) {
	t, err := s.st.Store.Get(ctx, input.TicketID)
	if err != nil {
		return nil, TicketOutput{}, err
	}
	return nil, ticketOutput(t), nil
}

func (s *Server) handleWait(ctx context.Context, req *mcpsdk.CallToolRequest, input WaitInput) (*mcpsdk.CallToolResult, WaitOutput, error) {
	timeout := defaultWait
	if input.Timeout != "" {
		d, err := time.ParseDuration(input.Timeout)
		if err != nil {
			return nil, WaitOutput{}, fmt.Errorf("invalid timeout %q: %w", input.Timeout, err)
		}
		timeout = d
	}

	t, err := s.st.Store.Get(ctx, input.TicketID)
	if err != nil {
		return nil, WaitOutput{}, err
	}
	polled, err := s.st.Poller.Poll(ctx, t, timeout)
	if err != nil {
		return nil, WaitOutput{}, err
	}
	t = polled.Ticket
	if !polled.Resolved {
		return nil, WaitOutput{Outcome: string(gateway.OutcomeSuspended), Ticket: ticketOutput(t)}, nil
	}
	s.st.Gateway.Resolved(t)

	if t.Status == approval.StatusApproved {
		if t, err = s.st.Store.MarkGranted(ctx, t.ID); err != nil {
			return nil, WaitOutput{}, err
		}
	}
	if t.Consumed {
		return consumed(t)
	}
	cp := checkpoint.Checkpoint{RunID: t.RunID(), StepIndex: t.Call.StepIndex, TicketID: t.ID}
	res, err := s.st.Coordinator.Resume(ctx, t.RunID(), cp, t, proceed)
	if errors.Is(err, resume.ErrAlreadyConsumed) {
		return consumed(t)
	}
	if err != nil {
		return nil, WaitOutput{}, err
	}

	if cur, err := s.st.Store.Get(ctx, t.ID); err == nil {
		t = cur
	}
	if res.IsBlocked() {
		out := WaitOutput{Outcome: string(res.Outcome), Reason: res.Reason, Ticket: ticketOutput(t)}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, WaitOutput{Proceed: true, Outcome: "allowed", Ticket: ticketOutput(t)}, nil
}

func (s *Server) handleBreaker(ctx context.Context, req *mcpsdk.CallToolRequest, input BreakerInput) (*mcpsdk.CallToolResult, BreakerOutput, error) {
	if input.RunID == "" {
		return nil, BreakerOutput{}, fmt.Errorf("run_id is required")
	}
	return nil, breakerOutput(s.st.Breaker.Snapshot(input.RunID)), nil
}

// --- Helpers ---

// proceed stands in for the agent's own call: the gate decides, the
// agent acts.
func proceed(context.Context) (gateway.Output, error) {
	return gateway.Output{Value: "proceed"}, nil
}

func consumed(t approval.Ticket) (*mcpsdk.CallToolResult, WaitOutput, error) {
	out := WaitOutput{Outcome: "consumed", Reason: "approval already used", Ticket: ticketOutput(t)}
	return &mcpsdk.CallToolResult{IsError: true}, out, nil
}

func descriptor(input CallInput) (model.CallDescriptor, error) {
	args := model.ArgsFromMap(input.Args)
	var d model.CallDescriptor
	switch input.Kind {
	case "", string(model.KindTool):
		d = model.NewToolCall(input.RunID, input.Step, input.Tool, args)
	case string(model.KindModel):
		d = model.NewModelCall(input.RunID, input.Step, input.Tool, args)
	default:
		return d, fmt.Errorf("invalid kind %q", input.Kind)
	}
	return d, d.Validate()
}

func ticketOutput(t approval.Ticket) TicketOutput {
	out := TicketOutput{
		ID:               t.ID,
		RunID:            t.RunID(),
		Call:             t.Call.String(),
		Status:           string(t.Status),
		Reason:           t.Reason,
		DecisionEndpoint: t.DecisionEndpoint,
		ContextHash:      t.ContextHash,
		Granted:          t.Granted,
		Consumed:         t.Consumed,
	}
	if !t.ExpiresAt.IsZero() {
		out.ExpiresAt = t.ExpiresAt.Format(time.RFC3339)
	}
	if r := t.Resolution; r != nil {
		out.Actor = r.Actor
		out.Decision = r.Reason
	}
	return out
}

func breakerOutput(snap breaker.Snapshot) BreakerOutput {
	return BreakerOutput{
		RunID:       snap.RunID,
		Calls:       snap.Calls,
		Tokens:      snap.Tokens,
		Elapsed:     snap.Elapsed.Round(time.Millisecond).String(),
		Trips:       snap.Trips,
		MaxCalls:    snap.Thresholds.MaxCalls,
		MaxTokens:   snap.Thresholds.MaxTokens,
		MaxDuration: snap.Thresholds.MaxDuration.String(),
	}
}
