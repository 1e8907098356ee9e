package approval

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ppiankov/approvalgate/internal/model"
)

func sampleTicket(id, runID string, created time.Time) Ticket {
	call := model.NewToolCall(runID, 1, "delete_file", model.Args("path", "/tmp/"+id))
	return Ticket{
		ID:               id,
		Call:             call,
		ContextHash:      model.MustContextHash(call),
		Reason:           "destructive",
		CreatedAt:        created,
		ExpiresAt:        created.Add(time.Hour),
		DecisionEndpoint: "http://approvals/v1/approvals/" + id,
		Status:           StatusPending,
	}
}

// exerciseBackend runs the same contract against every Backend.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "nope"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}

	a := sampleTicket("t-a", "run-1", t0)
	c := sampleTicket("t-c", "run-1", t0.Add(time.Minute))
	other := sampleTicket("t-b", "run-2", t0.Add(30*time.Second))
	for _, tk := range []Ticket{c, a, other} {
		if err := b.Put(ctx, tk); err != nil {
			t.Fatalf("Put %s: %v", tk.ID, err)
		}
	}

	got, err := b.Get(ctx, "t-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContextHash != a.ContextHash || got.Call.Name != "delete_file" || got.Call.Args.GetString("path") != "/tmp/t-a" {
		t.Errorf("round trip lost data: %+v", got)
	}
	if h := model.MustContextHash(got.Call); h != a.ContextHash {
		t.Error("stored call must hash identically")
	}

	a.Status = StatusApproved
	a.Resolution = &Resolution{Status: StatusApproved, Actor: "alice", ResolvedAt: t0}
	if err := b.Put(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = b.Get(ctx, "t-a")
	if got.Status != StatusApproved || got.Resolution == nil || got.Resolution.Actor != "alice" {
		t.Errorf("upsert not applied: %+v", got)
	}

	run1, err := b.List(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(run1) != 2 || run1[0].ID != "t-a" || run1[1].ID != "t-c" {
		t.Errorf("unexpected run-1 listing %v", ids(run1))
	}
	all, _ := b.List(ctx, "")
	if len(all) != 3 || all[1].ID != "t-b" {
		t.Errorf("unexpected full listing %v", ids(all))
	}

	if err := b.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	all, _ = b.List(ctx, "")
	if len(all) != 1 || all[0].ID != "t-b" {
		t.Errorf("DeleteRun left %v", ids(all))
	}
}

func ids(ts []Ticket) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exerciseBackend(t, b)
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	b, _ := NewFileBackend(t.TempDir())
	bad := sampleTicket("../escape", "run-1", t0)
	if err := b.Put(context.Background(), bad); err == nil {
		t.Error("expected path traversal to be rejected")
	}
	if _, err := b.Get(context.Background(), "a/b"); err == nil {
		t.Error("expected invalid id to be rejected")
	}
}

func TestSQLiteBackend(t *testing.T) {
	db, err := OpenDB(DialectSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	b, err := NewSQLBackend(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewSQLBackend: %v", err)
	}
	exerciseBackend(t, b)
}

func TestStoreOverSQLite(t *testing.T) {
	db, _ := OpenDB(DialectSQLite, ":memory:")
	db.SetMaxOpenConns(1)
	defer db.Close()
	b, err := NewSQLBackend(db, DialectSQLite)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(b, WithStoreClock(func() time.Time { return t0 }))
	ctx := context.Background()

	first, _, err := s.Open(ctx, refundCall(750), approvalVerdict("apr-1"))
	if err != nil {
		t.Fatal(err)
	}
	second, created, _ := s.Open(ctx, refundCall(750), approvalVerdict("apr-9"))
	if created || second.ID != first.ID {
		t.Error("idempotent open must hold across a SQL backend")
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT data FROM t WHERE a = ? AND b = ?"
	if got := DialectPostgres.Rebind(q); got != "SELECT data FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := DialectSQLite.Rebind(q); got != q {
		t.Errorf("sqlite rebind should be identity, got %q", got)
	}
}

func TestOpenDBRejectsUnknownDialect(t *testing.T) {
	if _, err := OpenDB(Dialect("oracle"), ""); err == nil {
		t.Error("expected error")
	}
}

func TestPostgresBackendQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS approval_tickets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_approval_tickets_run")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	b, err := NewSQLBackend(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewSQLBackend: %v", err)
	}
	ctx := context.Background()
	tk := sampleTicket("t-1", "run-1", t0)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_tickets")).
		WithArgs("t-1", "run-1", tk.ContextHash, "pending", t0.UnixNano(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := b.Put(ctx, tk); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM approval_tickets WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM approval_tickets WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := b.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
