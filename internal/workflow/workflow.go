// Package workflow drives runs of governed steps, checkpointing before
// each call and resuming suspended runs once their approval resolves.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
	"github.com/ppiankov/approvalgate/internal/resume"
)

// ErrNotSuspended is returned by Continue for a run with no pending ticket.
var ErrNotSuspended = errors.New("run is not suspended")

// Step is one governed call. Args and Do read the run state; Apply folds
// the call's value back into it. State must round-trip through JSON so a
// suspended run can continue in another process.
type Step[S any] struct {
	Name  string
	Kind  model.CallKind
	Tool  string
	Args  func(s *S) model.Arguments
	Do    func(ctx context.Context, s *S) (gateway.Output, error)
	Apply func(s *S, value any)
}

// Workflow is an ordered list of steps.
type Workflow[S any] struct {
	Name  string
	Steps []Step[S]
}

// Status summarises where a run stopped.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusBlocked   Status = "blocked"
)

// Outcome is the state of a run after Start or Continue returns.
type Outcome[S any] struct {
	RunID   string
	Status  Status
	State   S
	Step    int
	Ticket  *approval.Ticket
	Blocked *gateway.Result
	Results []gateway.Result
}

// Runner executes workflows. Runs are independent; one Runner may drive
// many runs concurrently, each run sequentially.
type Runner[S any] struct {
	gw          *gateway.Gateway
	coord       *resume.Coordinator
	poller      *approval.Poller
	checkpoints checkpoint.Store
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunner wires a runner. The gateway must have approvals enabled for
// suspension to be possible.
func NewRunner[S any](gw *gateway.Gateway, coord *resume.Coordinator, poller *approval.Poller, cps checkpoint.Store, logger *zap.Logger) *Runner[S] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner[S]{gw: gw, coord: coord, poller: poller, checkpoints: cps, logger: logger, now: time.Now}
}

// Start runs wf from its first step.
func (r *Runner[S]) Start(ctx context.Context, runID string, wf Workflow[S], state S) (Outcome[S], error) {
	r.logger.Info("run started", zap.String("run_id", runID), zap.String("workflow", wf.Name))
	return r.run(ctx, runID, wf, state, 0, nil)
}

// Continue waits up to timeout for the suspended run's ticket, then
// resumes the gated step and the steps after it. An unresolved wait
// returns a suspended outcome and leaves the checkpoint in place; a
// denied or expired ticket discards it.
func (r *Runner[S]) Continue(ctx context.Context, runID string, wf Workflow[S], timeout time.Duration) (Outcome[S], error) {
	out := Outcome[S]{RunID: runID}
	cp, err := r.checkpoints.Load(ctx, runID)
	if err != nil {
		return out, fmt.Errorf("run %s: %w", runID, err)
	}
	if cp.TicketID == "" {
		return out, fmt.Errorf("run %s: %w", runID, ErrNotSuspended)
	}
	if cp.StepIndex >= len(wf.Steps) {
		return out, fmt.Errorf("%w: step %d outside workflow %s", resume.ErrCheckpointMismatch, cp.StepIndex, wf.Name)
	}
	if err := json.Unmarshal(cp.State, &out.State); err != nil {
		return out, fmt.Errorf("corrupt checkpoint state for run %s: %w", runID, err)
	}
	out.Step = cp.StepIndex

	store := r.gw.Store()
	if store == nil {
		return out, fmt.Errorf("run %s: approvals are disabled", runID)
	}
	ticket, err := store.Get(ctx, cp.TicketID)
	if err != nil {
		return out, err
	}

	polled, err := r.poller.Poll(ctx, ticket, timeout)
	if err != nil {
		return out, err
	}
	if !polled.Resolved {
		out.Status = StatusSuspended
		out.Ticket = &polled.Ticket
		return out, nil
	}
	ticket = polled.Ticket
	r.gw.Resolved(ticket)

	if ticket.Status == approval.StatusApproved {
		if ticket, err = store.MarkGranted(ctx, ticket.ID); err != nil {
			return out, err
		}
	}

	state := out.State
	step := wf.Steps[cp.StepIndex]
	d := descriptor(runID, cp.StepIndex, step, &state)
	hash, err := model.ContextHash(d)
	if err != nil {
		return out, err
	}
	if hash != ticket.ContextHash {
		return out, fmt.Errorf("%w: step %d rebuilt a different call than ticket %s gates", resume.ErrCheckpointMismatch, cp.StepIndex, ticket.ID)
	}

	res, err := r.coord.Resume(ctx, runID, cp, ticket, bind(step, &state))
	if err != nil {
		return out, err
	}
	out.Results = append(out.Results, res)
	if res.IsBlocked() {
		if err := r.checkpoints.Delete(ctx, runID); err != nil {
			return out, err
		}
		out.Status = StatusBlocked
		out.Blocked = &res
		return out, nil
	}
	if step.Apply != nil {
		step.Apply(&state, res.Value)
	}
	return r.run(ctx, runID, wf, state, cp.StepIndex+1, out.Results)
}

func (r *Runner[S]) run(ctx context.Context, runID string, wf Workflow[S], state S, from int, results []gateway.Result) (Outcome[S], error) {
	out := Outcome[S]{RunID: runID, Results: results}
	for i := from; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		out.Step = i
		out.State = state

		cp, err := r.save(ctx, runID, i, state, "")
		if err != nil {
			return out, err
		}

		res, err := r.gw.Intercept(ctx, descriptor(runID, i, step, &state), bind(step, &state))
		if err != nil {
			return out, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		out.Results = append(out.Results, res)

		switch res.Outcome {
		case gateway.OutcomeExecuted:
			if step.Apply != nil {
				step.Apply(&state, res.Value)
			}
		case gateway.OutcomeSuspended:
			cp.TicketID = res.Ticket.ID
			if err := r.checkpoints.Save(ctx, cp); err != nil {
				return out, err
			}
			r.logger.Info("run suspended",
				zap.String("run_id", runID),
				zap.Int("step", i),
				zap.String("ticket_id", res.Ticket.ID),
			)
			out.Status = StatusSuspended
			out.Ticket = res.Ticket
			return out, nil
		default:
			if err := r.checkpoints.Delete(ctx, runID); err != nil {
				return out, err
			}
			r.logger.Info("run blocked",
				zap.String("run_id", runID),
				zap.Int("step", i),
				zap.String("kind", string(res.Kind)),
				zap.String("reason", res.Reason),
			)
			out.Status = StatusBlocked
			out.Blocked = &res
			return out, nil
		}
	}

	if err := r.checkpoints.Delete(ctx, runID); err != nil {
		return out, err
	}
	out.State = state
	out.Step = len(wf.Steps)
	out.Status = StatusCompleted
	r.logger.Info("run completed", zap.String("run_id", runID), zap.Int("steps", len(wf.Steps)))
	return out, nil
}

func (r *Runner[S]) save(ctx context.Context, runID string, step int, state S, ticketID string) (checkpoint.Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("run %s state is not serialisable: %w", runID, err)
	}
	cp := checkpoint.Checkpoint{RunID: runID, StepIndex: step, State: raw, TicketID: ticketID, CreatedAt: r.now().UTC()}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return cp, nil
}

func descriptor[S any](runID string, i int, step Step[S], s *S) model.CallDescriptor {
	var args model.Arguments
	if step.Args != nil {
		args = step.Args(s)
	}
	if step.Kind == model.KindModel {
		return model.NewModelCall(runID, i, step.Tool, args)
	}
	return model.NewToolCall(runID, i, step.Tool, args)
}

func bind[S any](step Step[S], s *S) gateway.CallFunc {
	return func(ctx context.Context) (gateway.Output, error) {
		return step.Do(ctx, s)
	}
}
