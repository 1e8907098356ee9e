package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/approvalgate/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewMemoryBackend(), WithStoreClock(func() time.Time { return t0 }))
}

func refundCall(amount int) model.CallDescriptor {
	return model.NewToolCall("run-1", 2, "issue_refund", model.Args("customer_id", "c-42", "amount", amount))
}

func approvalVerdict(id string) model.Verdict {
	return model.ApprovalVerdict("refund above threshold", id, "http://approvals/v1/approvals/"+id, t0.Add(time.Hour))
}

func TestTransition(t *testing.T) {
	for _, to := range []Status{StatusApproved, StatusDenied, StatusExpired} {
		if err := Transition(StatusPending, to); err != nil {
			t.Errorf("pending -> %s should be valid: %v", to, err)
		}
		for _, next := range []Status{StatusPending, StatusApproved, StatusDenied, StatusExpired} {
			if err := Transition(to, next); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s should be invalid", to, next)
			}
		}
	}
	if err := Transition(StatusPending, StatusPending); err == nil {
		t.Error("pending -> pending should be invalid")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("approved"); err != nil || s != StatusApproved {
		t.Errorf("unexpected %q %v", s, err)
	}
	if _, err := ParseStatus("maybe"); err == nil {
		t.Error("unknown status should be rejected")
	}
}

func TestOpenCreatesPendingTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk, created, err := s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !created {
		t.Error("expected new ticket")
	}
	if tk.ID != "apr-1" || tk.Status != StatusPending {
		t.Errorf("unexpected ticket %+v", tk)
	}
	if tk.ContextHash != model.MustContextHash(refundCall(750)) {
		t.Error("ticket must carry the call's context hash")
	}
	if tk.Reason != "refund above threshold" {
		t.Errorf("reason = %q", tk.Reason)
	}
}

func TestOpenIsIdempotentByContextHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	if err != nil {
		t.Fatal(err)
	}
	// Retried call at a later step, engine issued a different id.
	retry := model.NewToolCall("run-1", 5, "issue_refund", model.Args("amount", 750, "customer_id", "c-42"))
	second, created, err := s.Open(ctx, retry, approvalVerdict("apr-2"))
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected same ticket %s, got %s (created=%v)", first.ID, second.ID, created)
	}

	other, created, err := s.Open(ctx, refundCall(900), approvalVerdict("apr-3"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || other.ID == first.ID {
		t.Error("different arguments must open a different ticket")
	}

	tickets, _ := s.List(ctx, "run-1")
	if len(tickets) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(tickets))
	}
}

func TestOpenConcurrentCollapses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, _, err := s.Open(ctx, refundCall(750), approvalVerdict("apr-"+string(rune('a'+i))))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = tk.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent opens produced different tickets: %v", ids)
		}
	}
}

func TestOpenAfterExpiryOrDenialCreatesNew(t *testing.T) {
	now := t0
	s := NewStore(NewMemoryBackend(), WithStoreClock(func() time.Time { return now }))
	ctx := context.Background()

	first, _, _ := s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	now = t0.Add(2 * time.Hour)
	second, created, err := s.Open(ctx, refundCall(750), approvalVerdict("apr-2"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Error("ticket past its validity window must not be reused")
	}

	if _, err := s.Resolve(ctx, "apr-2", Resolution{Status: StatusDenied, Actor: "ops"}); err != nil {
		t.Fatal(err)
	}
	third, created, _ := s.Open(ctx, refundCall(750), model.ApprovalVerdict("r", "apr-3", "http://x", now.Add(time.Hour)))
	if !created || third.ID != "apr-3" {
		t.Error("denied ticket must not be reused")
	}
}

func TestOpenReusesApprovedUntilConsumed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	s.Resolve(ctx, "apr-1", Resolution{Status: StatusApproved})
	s.MarkGranted(ctx, "apr-1")

	again, created, _ := s.Open(ctx, refundCall(750), approvalVerdict("apr-2"))
	if created || again.ID != "apr-1" || !again.Granted {
		t.Errorf("granted ticket should be reused, got %+v", again)
	}

	s.MarkConsumed(ctx, "apr-1")
	fresh, created, _ := s.Open(ctx, refundCall(750), approvalVerdict("apr-2"))
	if !created || fresh.ID != "apr-2" {
		t.Error("consumed approval must not cover another execution")
	}
}

func TestOpenRejectsBadVerdicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.Open(ctx, refundCall(1), model.AllowVerdict()); err == nil {
		t.Error("allow verdict must not open a ticket")
	}
	if _, _, err := s.Open(ctx, refundCall(1), model.Verdict{Decision: model.RequireApproval}); err == nil {
		t.Error("verdict without approval id must be rejected")
	}
}

func TestResolveIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))

	tk, err := s.Resolve(ctx, "apr-1", Resolution{Status: StatusApproved, Actor: "alice", Reason: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Resolution == nil || tk.Resolution.Actor != "alice" || tk.Resolution.ResolvedAt.IsZero() {
		t.Errorf("unexpected resolution %+v", tk.Resolution)
	}

	if _, err := s.Resolve(ctx, "apr-1", Resolution{Status: StatusApproved, Actor: "bob"}); err != nil {
		t.Errorf("same terminal status should be a no-op: %v", err)
	}
	got, _ := s.Get(ctx, "apr-1")
	if got.Resolution.Actor != "alice" {
		t.Error("no-op resolve must not overwrite the first resolution")
	}

	if _, err := s.Resolve(ctx, "apr-1", Resolution{Status: StatusDenied}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Resolve(ctx, "missing", Resolution{Status: StatusDenied}); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestMarkGrantedRequiresApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))

	if _, err := s.MarkGranted(ctx, "apr-1"); !errors.Is(err, ErrNotApproved) {
		t.Errorf("expected ErrNotApproved, got %v", err)
	}
	if _, err := s.MarkConsumed(ctx, "apr-1"); !errors.Is(err, ErrNotGranted) {
		t.Errorf("expected ErrNotGranted, got %v", err)
	}

	s.Resolve(ctx, "apr-1", Resolution{Status: StatusApproved})
	first, err := s.MarkGranted(ctx, "apr-1")
	if err != nil || !first.Granted {
		t.Fatalf("MarkGranted: %v", err)
	}
	second, err := s.MarkGranted(ctx, "apr-1")
	if err != nil || !second.GrantedAt.Equal(*first.GrantedAt) {
		t.Error("MarkGranted should be idempotent")
	}
	if second.Status != StatusApproved {
		t.Error("granting must not change server status")
	}
}

func TestSubscribeWakesOnResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))

	ch, cancel, err := s.Subscribe(ctx, "apr-1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case <-ch:
		t.Fatal("channel closed before resolution")
	default:
	}
	s.Resolve(ctx, "apr-1", Resolution{Status: StatusDenied})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken")
	}

	done, cancel2, _ := s.Subscribe(ctx, "apr-1")
	defer cancel2()
	select {
	case <-done:
	default:
		t.Error("subscribing to a resolved ticket should yield a closed channel")
	}
}

func TestTeardownRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	s.Open(ctx, model.NewToolCall("run-2", 0, "rm", nil), approvalVerdict("apr-2"))

	if err := s.TeardownRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "apr-1"); !errors.Is(err, ErrTicketNotFound) {
		t.Error("run-1 tickets should be gone")
	}
	if _, err := s.Get(ctx, "apr-2"); err != nil {
		t.Error("run-2 tickets must survive")
	}
}
