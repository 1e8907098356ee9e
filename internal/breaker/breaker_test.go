package breaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCallCountSixthTrips(t *testing.T) {
	b := New(Thresholds{MaxCalls: 5})
	for i := 1; i <= 5; i++ {
		if a := b.Admit("R", CallCount, 1); a.Tripped {
			t.Fatalf("call %d should be allowed: %s", i, a.Reason)
		}
	}
	a := b.Admit("R", CallCount, 1)
	if !a.Tripped {
		t.Fatal("6th call should trip")
	}
	if a.Dimension != CallCount || a.Threshold != 5 || a.Observed != 6 {
		t.Errorf("unexpected trip %+v", a)
	}

	if a := b.Admit("R2", CallCount, 1); a.Tripped {
		t.Error("other run must be unaffected")
	}
	if got := b.Snapshot("R2").Calls; got != 1 {
		t.Errorf("R2 calls = %d, want 1", got)
	}
}

func TestTripDoesNotIncrement(t *testing.T) {
	b := New(Thresholds{MaxCalls: 1})
	b.Admit("R", CallCount, 1)
	b.Admit("R", CallCount, 1)
	b.Admit("R", CallCount, 1)
	snap := b.Snapshot("R")
	if snap.Calls != 1 {
		t.Errorf("calls = %d, want 1", snap.Calls)
	}
	if snap.Trips != 2 {
		t.Errorf("trips = %d, want 2", snap.Trips)
	}
}

func TestElapsedFromFirstAdmission(t *testing.T) {
	clock := newClock()
	b := New(Thresholds{MaxDuration: 30 * time.Second}, WithClock(clock.now))

	if a := b.Admit("R", ElapsedSeconds, 0); a.Tripped {
		t.Fatal("first admission must not trip")
	}
	clock.advance(29 * time.Second)
	if a := b.Admit("R", ElapsedSeconds, 100); a.Tripped {
		t.Fatal("29s should be allowed")
	}
	clock.advance(time.Second)
	a := b.Admit("R", ElapsedSeconds, 0)
	if !a.Tripped || a.Dimension != ElapsedSeconds {
		t.Fatalf("expected elapsed trip, got %+v", a)
	}
	if a.Threshold != 30 || a.Observed != 30 {
		t.Errorf("unexpected threshold/observed %d/%d", a.Threshold, a.Observed)
	}
}

func TestTokenBudget(t *testing.T) {
	b := New(Thresholds{MaxTokens: 1000})
	if a := b.Admit("R", TokenBudget, 600); a.Tripped {
		t.Fatal("first 600 tokens should be admitted")
	}
	a := b.Admit("R", TokenBudget, 600)
	if !a.Tripped || a.Observed != 1200 || a.Threshold != 1000 {
		t.Fatalf("600 more would reach 1200, expected trip, got %+v", a)
	}
	if got := b.Snapshot("R").Tokens; got != 600 {
		t.Fatalf("tripped increment must not be applied, tokens = %d", got)
	}
	if a := b.Admit("R", TokenBudget, 400); a.Tripped {
		t.Fatalf("400 more lands exactly on the limit, got %+v", a)
	}
	if a := b.Admit("R", TokenBudget, 1); !a.Tripped {
		t.Fatal("budget is exhausted, any increment should trip")
	}
	if a := b.AdmitCall("R"); !a.Tripped || a.Dimension != TokenBudget || a.Observed != 1000 {
		t.Fatalf("exhausted budget should block calls, got %+v", a)
	}
}

func TestTokenBudgetOversizedIncrement(t *testing.T) {
	b := New(Thresholds{MaxTokens: 50})
	a := b.Admit("R", TokenBudget, 1000)
	if !a.Tripped || a.Observed != 1000 {
		t.Fatalf("increment larger than the whole budget should trip, got %+v", a)
	}
	if got := b.Snapshot("R").Tokens; got != 0 {
		t.Fatalf("tokens = %d, want 0", got)
	}
	if a := b.AdmitCall("R"); a.Tripped {
		t.Fatalf("unused budget should still admit calls, got %+v", a)
	}
}

func TestUnknownDimensionTrips(t *testing.T) {
	b := New(Thresholds{})
	if a := b.Admit("R", Dimension("bogus"), 1); !a.Tripped {
		t.Error("unknown dimension must fail closed")
	}
}

func TestUnlimitedNeverTrips(t *testing.T) {
	b := New(Thresholds{})
	for i := 0; i < 100; i++ {
		if a := b.AdmitCall("R"); a.Tripped {
			t.Fatalf("unexpected trip at %d", i)
		}
	}
}

func TestAdmitCallOrder(t *testing.T) {
	clock := newClock()
	b := New(Thresholds{MaxCalls: 1, MaxTokens: 10, MaxDuration: time.Minute}, WithClock(clock.now))

	if a := b.AdmitCall("R"); a.Tripped {
		t.Fatal("first call should be admitted")
	}
	b.Record("R", TokenBudget, 50)
	clock.advance(2 * time.Minute)

	a := b.AdmitCall("R")
	if a.Dimension != ElapsedSeconds {
		t.Errorf("duration should be checked first, got %s", a.Dimension)
	}

	b2 := New(Thresholds{MaxCalls: 1, MaxTokens: 10})
	b2.AdmitCall("R")
	b2.Record("R", TokenBudget, 10)
	if a := b2.AdmitCall("R"); a.Dimension != TokenBudget {
		t.Errorf("tokens should be checked before calls, got %s", a.Dimension)
	}
	if got := b2.Snapshot("R").Calls; got != 1 {
		t.Errorf("tripped call must not be counted, calls = %d", got)
	}
}

func TestRecordIgnoresNegative(t *testing.T) {
	b := New(Thresholds{})
	b.Record("R", TokenBudget, 10)
	b.Record("R", TokenBudget, -5)
	if got := b.Snapshot("R").Tokens; got != 10 {
		t.Errorf("tokens = %d, want 10", got)
	}
}

func TestTeardownResets(t *testing.T) {
	b := New(Thresholds{MaxCalls: 1})
	b.AdmitCall("R")
	if a := b.AdmitCall("R"); !a.Tripped {
		t.Fatal("expected trip")
	}
	b.Teardown("R")
	if a := b.AdmitCall("R"); a.Tripped {
		t.Error("teardown should reset counters")
	}
}

func TestSnapshotUnknownRun(t *testing.T) {
	b := New(Thresholds{MaxCalls: 3})
	snap := b.Snapshot("nope")
	if snap.Calls != 0 || snap.Thresholds.MaxCalls != 3 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if len(b.Runs()) != 0 {
		t.Error("snapshot must not create run state")
	}
}

func TestConcurrentAdmitsSerialized(t *testing.T) {
	const limit = 50
	b := New(Thresholds{MaxCalls: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a := b.AdmitCall("R"); !a.Tripped {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
	if got := b.Snapshot("R").Calls; got != limit {
		t.Errorf("calls = %d, want %d", got, limit)
	}
}
