package resume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/approvalgate/internal/approval"
	"github.com/ppiankov/approvalgate/internal/breaker"
	"github.com/ppiankov/approvalgate/internal/checkpoint"
	"github.com/ppiankov/approvalgate/internal/gateway"
	"github.com/ppiankov/approvalgate/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTicket(t *testing.T, store *approval.Store, runID string, step int) (approval.Ticket, checkpoint.Checkpoint) {
	t.Helper()
	call := model.NewToolCall(runID, step, "issue_refund", model.Args("customer_id", "c-9", "amount", 750))
	v := model.ApprovalVerdict("refund above $500 requires approval", "apr-"+runID, "http://approvals.test/v1/approvals/apr-"+runID, time.Now().Add(time.Hour))
	tk, _, err := store.Open(context.Background(), call, v)
	require.NoError(t, err)
	cp := checkpoint.Checkpoint{RunID: runID, StepIndex: step, State: json.RawMessage(`{}`), TicketID: tk.ID, CreatedAt: t0}
	return tk, cp
}

func resolve(t *testing.T, store *approval.Store, id string, status approval.Status, actor, reason string) {
	t.Helper()
	_, err := store.Resolve(context.Background(), id, approval.Resolution{Status: status, Actor: actor, Reason: reason})
	require.NoError(t, err)
}

type refund struct {
	calls atomic.Int32
	err   error
}

func (r *refund) call(context.Context) (gateway.Output, error) {
	n := r.calls.Add(1)
	if r.err != nil {
		return gateway.Output{}, r.err
	}
	return gateway.Output{Value: map[string]any{"refund_id": "rf-1", "n": n}, Tokens: 3}, nil
}

func TestResumeApprovedExecutesExactlyOnce(t *testing.T) {
	store := approval.NewStore(nil)
	b := breaker.New(breaker.Thresholds{})
	c := NewCoordinator(store, WithBreaker(b))
	ctx := context.Background()

	tk, cp := openTicket(t, store, "run-1", 2)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "verified")
	_, err := store.MarkGranted(ctx, tk.ID)
	require.NoError(t, err)

	r := &refund{}
	res, err := c.Resume(ctx, "run-1", cp, tk, r.call)
	require.NoError(t, err)
	require.True(t, res.IsExecuted())
	assert.Equal(t, map[string]any{"refund_id": "rf-1", "n": int32(1)}, res.Value)

	again, err := c.Resume(ctx, "run-1", cp, tk, r.call)
	require.NoError(t, err)
	assert.Equal(t, res.Value, again.Value, "retries return the cached result")
	assert.Equal(t, int32(1), r.calls.Load())

	stored, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, stored.Consumed)
	assert.Equal(t, int64(3), b.Snapshot("run-1").Tokens)
}

func TestResumeConcurrentRetries(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)
	ctx := context.Background()

	tk, cp := openTicket(t, store, "run-1", 0)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "")
	_, err := store.MarkGranted(ctx, tk.ID)
	require.NoError(t, err)

	r := &refund{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Resume(ctx, "run-1", cp, tk, r.call)
			assert.NoError(t, err)
			assert.True(t, res.IsExecuted())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestResumeRequiresGrant(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)

	tk, cp := openTicket(t, store, "run-1", 0)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "")

	r := &refund{}
	_, err := c.Resume(context.Background(), "run-1", cp, tk, r.call)
	require.ErrorIs(t, err, ErrNotGranted)
	assert.Zero(t, r.calls.Load())
}

func TestResumeDeniedAndExpiredBlock(t *testing.T) {
	tests := []struct {
		status approval.Status
		kind   gateway.BlockKind
		reason string
	}{
		{approval.StatusDenied, gateway.BlockApprovalDenied, "approval denied by bob: customer already refunded"},
		{approval.StatusExpired, gateway.BlockApprovalExpired, "approval expired by system: customer already refunded"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := approval.NewStore(nil)
			c := NewCoordinator(store)
			tk, cp := openTicket(t, store, "run-1", 1)
			actor := "bob"
			if tt.status == approval.StatusExpired {
				actor = "system"
			}
			resolve(t, store, tk.ID, tt.status, actor, "customer already refunded")

			r := &refund{}
			res, err := c.Resume(context.Background(), "run-1", cp, tk, r.call)
			require.NoError(t, err)
			require.True(t, res.IsBlocked())
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Zero(t, r.calls.Load())

			var pv *gateway.PolicyViolationError
			assert.ErrorAs(t, res.Err(), &pv)
		})
	}
}

func TestResumePendingTicket(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)
	tk, cp := openTicket(t, store, "run-1", 0)

	r := &refund{}
	_, err := c.Resume(context.Background(), "run-1", cp, tk, r.call)
	require.ErrorIs(t, err, ErrTicketPending)
	assert.Zero(t, r.calls.Load())
}

func TestResumeCheckpointMismatch(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)
	ctx := context.Background()
	tk, cp := openTicket(t, store, "run-1", 3)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "")
	_, err := store.MarkGranted(ctx, tk.ID)
	require.NoError(t, err)

	wrongStep := cp
	wrongStep.StepIndex = 2
	wrongTicket := cp
	wrongTicket.TicketID = "apr-other"
	wrongRun := cp
	wrongRun.RunID = "run-2"

	r := &refund{}
	for name, bad := range map[string]checkpoint.Checkpoint{"step": wrongStep, "ticket": wrongTicket, "run": wrongRun} {
		_, err := c.Resume(ctx, "run-1", bad, tk, r.call)
		assert.ErrorIs(t, err, ErrCheckpointMismatch, name)
	}
	_, err = c.Resume(ctx, "run-2", cp, tk, r.call)
	assert.ErrorIs(t, err, ErrCheckpointMismatch)
	assert.Zero(t, r.calls.Load())
}

func TestResumeCallFailureIsNotRetried(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)
	ctx := context.Background()
	tk, cp := openTicket(t, store, "run-1", 0)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "")
	_, err := store.MarkGranted(ctx, tk.ID)
	require.NoError(t, err)

	r := &refund{err: errors.New("payment gateway timeout")}
	_, err = c.Resume(ctx, "run-1", cp, tk, r.call)
	require.EqualError(t, err, "payment gateway timeout")
	_, err = c.Resume(ctx, "run-1", cp, tk, r.call)
	require.EqualError(t, err, "payment gateway timeout")
	assert.Equal(t, int32(1), r.calls.Load())

	// A fresh coordinator (new process) sees the consumed flag.
	_, err = NewCoordinator(store).Resume(ctx, "run-1", cp, tk, r.call)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestForgetDropsFinishedResults(t *testing.T) {
	store := approval.NewStore(nil)
	c := NewCoordinator(store)
	ctx := context.Background()
	tk, cp := openTicket(t, store, "run-1", 0)
	resolve(t, store, tk.ID, approval.StatusApproved, "alice", "")
	_, err := store.MarkGranted(ctx, tk.ID)
	require.NoError(t, err)

	_, err = c.Resume(ctx, "run-1", cp, tk, (&refund{}).call)
	require.NoError(t, err)
	c.Forget("run-1")

	_, err = c.Resume(ctx, "run-1", cp, tk, (&refund{}).call)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}
