package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The queryable fields live in their own columns; the full instance is kept
// as a gob snapshot.
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step TEXT NOT NULL,
			pending_approval_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			snapshot BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_def_state
			ON workflow_instances(definition_id, state);`,
	)
	return err
}

func (s *SQLiteInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	snapshot, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, definition_id, version, state, current_step, pending_approval_id, created_at, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.DefinitionID,
		inst.Version,
		string(inst.State),
		inst.CurrentStepID,
		inst.PendingApprovalID,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		snapshot,
	)
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	snapshot, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET definition_id = ?, version = ?, state = ?, current_step = ?, pending_approval_id = ?, updated_at = ?, snapshot = ?
		WHERE id = ?`,
		inst.DefinitionID,
		inst.Version,
		string(inst.State),
		inst.CurrentStepID,
		inst.PendingApprovalID,
		inst.UpdatedAt.UnixNano(),
		snapshot,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot
		FROM workflow_instances
		WHERE id = ?`,
		id,
	)

	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(snapshot)
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT snapshot
		FROM workflow_instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(snapshot)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
