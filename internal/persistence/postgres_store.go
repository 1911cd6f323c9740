package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL through a
// pgx connection pool. The caller owns the pool.
type PostgresInstanceStore struct {
	db *pgxpool.Pool
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(ctx context.Context, db *pgxpool.Pool) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step TEXT NOT NULL,
			pending_approval_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			snapshot BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_def_state
			ON workflow_instances(definition_id, state);
	`)
	return err
}

func (s *PostgresInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	snapshot, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_instances (id, definition_id, version, state, current_step, pending_approval_id, created_at, updated_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		inst.ID,
		inst.DefinitionID,
		inst.Version,
		string(inst.State),
		inst.CurrentStepID,
		inst.PendingApprovalID,
		inst.CreatedAt,
		inst.UpdatedAt,
		snapshot,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	return err
}

func (s *PostgresInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	snapshot, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_instances
		SET definition_id = $1, version = $2, state = $3, current_step = $4, pending_approval_id = $5, updated_at = $6, snapshot = $7
		WHERE id = $8
	`,
		inst.DefinitionID,
		inst.Version,
		string(inst.State),
		inst.CurrentStepID,
		inst.PendingApprovalID,
		inst.UpdatedAt,
		snapshot,
		inst.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var snapshot []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM workflow_instances WHERE id = $1`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(snapshot)
}

func (s *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT snapshot FROM workflow_instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		clauses = append(clauses, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(ctx, query, args...)
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
	return instances, rows.Err()
}
