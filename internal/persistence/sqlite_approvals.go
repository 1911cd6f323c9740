package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// SQLiteApprovalStore is an ApprovalStore backed by SQLite.
type SQLiteApprovalStore struct {
	db *sql.DB
}

var _ ApprovalStore = (*SQLiteApprovalStore)(nil)

func NewSQLiteApprovalStore(db *sql.DB) (*SQLiteApprovalStore, error) {
	s := &SQLiteApprovalStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteApprovalStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			requested_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			snapshot BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, requested_at);
	`)
	return err
}

func (s *SQLiteApprovalStore) SaveApproval(ctx context.Context, req *api.ApprovalRequest) error {
	snapshot, err := encodeApproval(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, instance_id, status, requested_at, expires_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.InstanceID,
		string(req.Status),
		req.RequestedAt.UnixNano(),
		req.ExpiresAt.UnixNano(),
		snapshot,
	)
	return err
}

func (s *SQLiteApprovalStore) UpdateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	snapshot, err := encodeApproval(req)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, expires_at = ?, snapshot = ?
		WHERE id = ?`,
		string(req.Status),
		req.ExpiresAt.UnixNano(),
		snapshot,
		req.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrApprovalNotFound
	}
	return nil
}

func (s *SQLiteApprovalStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM approval_requests WHERE id = ?`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return decodeApproval(snapshot)
}

func (s *SQLiteApprovalStore) ListApprovals(ctx context.Context, status api.ApprovalStatus) ([]*api.ApprovalRequest, error) {
	query := `SELECT snapshot FROM approval_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY requested_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ApprovalRequest
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		req, err := decodeApproval(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
