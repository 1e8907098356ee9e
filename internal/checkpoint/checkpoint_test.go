package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ppiankov/approvalgate/internal/approval"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cp := Checkpoint{RunID: "run-1", StepIndex: 2, State: json.RawMessage(`{"refunded":false}`), TicketID: "apr-1", CreatedAt: t0}
	if err := s.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.StepIndex != 2 || got.TicketID != "apr-1" || string(got.State) != `{"refunded":false}` || !got.CreatedAt.Equal(t0) {
		t.Errorf("unexpected checkpoint %+v", got)
	}

	cp.StepIndex = 3
	cp.TicketID = ""
	if err := s.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load(ctx, "run-1")
	if got.StepIndex != 3 || got.TicketID != "" {
		t.Errorf("save must replace the previous checkpoint, got %+v", got)
	}

	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Errorf("deleting a missing checkpoint should succeed, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesState(t *testing.T) {
	s := NewMemoryStore()
	state := json.RawMessage(`{"a":1}`)
	s.Save(context.Background(), Checkpoint{RunID: "r", State: state})
	state[2] = 'b'

	got, _ := s.Load(context.Background(), "r")
	if string(got.State) != `{"a":1}` {
		t.Errorf("stored state aliased caller buffer: %s", got.State)
	}
}

func TestSQLStoreSQLite(t *testing.T) {
	db, err := approval.OpenDB(approval.DialectSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(db, approval.DialectSQLite)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS run_checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO run_checkpoints")).
		WithArgs("run-1", 1, "apr-9", t0.UnixNano(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM run_checkpoints WHERE run_id = $1")).
		WithArgs("run-2").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM run_checkpoints WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s, err := NewSQLStore(db, approval.DialectPostgres)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Save(ctx, Checkpoint{RunID: "run-1", StepIndex: 1, TicketID: "apr-9", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "run-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// TestRedisStoreIntegration requires a running Redis; it is skipped otherwise.
func TestRedisStoreIntegration(t *testing.T) {
	ctx := context.Background()
	rdb, err := DialRedis(ctx, "localhost:6379", "", 0)
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer rdb.Close()

	s := NewRedisStore(rdb, time.Minute)
	s.prefix = fmt.Sprintf("checkpoint-test-%d:", time.Now().UnixNano())
	exerciseStore(t, s)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		cp Checkpoint
		ok bool
	}{
		{Checkpoint{RunID: "r"}, true},
		{Checkpoint{RunID: "r", State: json.RawMessage(`{}`)}, true},
		{Checkpoint{}, false},
		{Checkpoint{RunID: "r", StepIndex: -1}, false},
		{Checkpoint{RunID: "r", State: json.RawMessage(`{`)}, false},
	}
	for i, tt := range tests {
		if err := tt.cp.Validate(); (err == nil) != tt.ok {
			t.Errorf("case %d: Validate() = %v, want ok=%v", i, err, tt.ok)
		}
	}
	if err := NewMemoryStore().Save(context.Background(), Checkpoint{}); err == nil {
		t.Error("Save must reject an invalid checkpoint")
	}
}
