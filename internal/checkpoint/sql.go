package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/approvalgate/internal/approval"
)

// SQLStore keeps checkpoints in the run_checkpoints table. It shares the
// dialect handling of the ticket store.
type SQLStore struct {
	db      *sql.DB
	dialect approval.Dialect
}

// NewSQLStore wraps db and creates the schema if needed.
func NewSQLStore(db *sql.DB, dialect approval.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	_, err := db.ExecContext(context.Background(), `CREATE TABLE IF NOT EXISTS run_checkpoints (
		run_id TEXT PRIMARY KEY,
		step_index INTEGER NOT NULL,
		ticket_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		data TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint store: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO run_checkpoints (run_id, step_index, ticket_id, created_at, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (run_id) DO UPDATE SET step_index = excluded.step_index, ticket_id = excluded.ticket_id,
	created_at = excluded.created_at, data = excluded.data`)
	if _, err := s.db.ExecContext(ctx, query,
		cp.RunID, cp.StepIndex, cp.TicketID, cp.CreatedAt.UnixNano(), string(data),
	); err != nil {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", cp.RunID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT data FROM run_checkpoints WHERE run_id = ?`), runID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint for run %s: %w", runID, err)
	}
	return cp, nil
}

func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM run_checkpoints WHERE run_id = ?`), runID,
	); err != nil {
		return fmt.Errorf("failed to delete checkpoint for run %s: %w", runID, err)
	}
	return nil
}
