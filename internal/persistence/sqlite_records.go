package persistence

import (
	"context"
	"database/sql"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// SQLiteRecordStore keeps the unit execution audit log in SQLite.
type SQLiteRecordStore struct {
	db *sql.DB
}

var _ RecordStore = (*SQLiteRecordStore)(nil)

func NewSQLiteRecordStore(db *sql.DB) (*SQLiteRecordStore, error) {
	s := &SQLiteRecordStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRecordStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL UNIQUE,
			unit_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			success INTEGER NOT NULL,
			snapshot BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_records_unit ON execution_records(unit_id, seq);
	`)
	return err
}

func (s *SQLiteRecordStore) AppendRecord(ctx context.Context, rec api.ExecutionRecord) error {
	snapshot, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	success := 0
	if rec.Result.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records (execution_id, unit_id, started_at, success, snapshot)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ExecutionID,
		rec.UnitID,
		unixNano(rec.StartedAt),
		success,
		snapshot,
	)
	return err
}

func (s *SQLiteRecordStore) ListRecords(ctx context.Context, unitID string) ([]api.ExecutionRecord, error) {
	query := `SELECT snapshot FROM execution_records`
	var args []any
	if unitID != "" {
		query += ` WHERE unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ExecutionRecord
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NewSQLitePersistence creates every SQLite store on db.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	instances, err := NewSQLiteInstanceStore(db)
	if err != nil {
		return Persistence{}, err
	}
	approvals, err := NewSQLiteApprovalStore(db)
	if err != nil {
		return Persistence{}, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return Persistence{}, err
	}
	records, err := NewSQLiteRecordStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Instances: instances, Approvals: approvals, Events: events, Records: records}, nil
}
