package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenDB opens a database for the given dialect.
func OpenDB(d Dialect, dsn string) (*sql.DB, error) {
	switch d {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", d)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	return db, nil
}

// SQLBackend stores tickets in a SQL table. Indexed columns carry the
// lookup keys; the full ticket is kept as JSON.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend wraps db and creates the schema if needed.
func NewSQLBackend(db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	s := &SQLBackend{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate ticket store: %w", err)
	}
	return s, nil
}

func (s *SQLBackend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_tickets (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		data TEXT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_tickets_run ON approval_tickets (run_id, context_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLBackend) Put(ctx context.Context, t Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO approval_tickets (id, run_id, context_hash, status, created_at, data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data`)
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.RunID(), t.ContextHash, string(t.Status), t.CreatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store ticket %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLBackend) Get(ctx context.Context, id string) (Ticket, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT data FROM approval_tickets WHERE id = ?`), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrTicketNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to load ticket %s: %w", id, err)
	}
	var t Ticket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return Ticket{}, fmt.Errorf("corrupt ticket %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLBackend) List(ctx context.Context, runID string) ([]Ticket, error) {
	query := `SELECT data FROM approval_tickets ORDER BY created_at, id`
	var args []any
	if runID != "" {
		query = `SELECT data FROM approval_tickets WHERE run_id = ? ORDER BY created_at, id`
		args = append(args, runID)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Ticket
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t Ticket
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("corrupt ticket row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLBackend) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM approval_tickets WHERE run_id = ?`), runID)
	if err != nil {
		return fmt.Errorf("failed to delete tickets for run %s: %w", runID, err)
	}
	return nil
}
