package sundayhug

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
)

// NewSQLiteRunner constructs a LocalRunner whose instances, approvals,
// events, execution records and queued tasks are persisted in db.
// Definitions and units are not persisted; register them again after a
// restart before resolving approvals or processing tasks. Instances a
// previous process left RUNNING are rescheduled on the queue, so only one
// runner should be live per database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:sundayhug.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	runner, err := sundayhug.NewSQLiteRunner(db)
func NewSQLiteRunner(db *sql.DB, opts ...RunnerOption) (*LocalRunner, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	r, err := newRunner(p, q, opts)
	if err != nil {
		return nil, err
	}
	if _, err := r.Engine.RecoverInstances(context.Background()); err != nil {
		return nil, fmt.Errorf("sundayhug: recover instances: %w", err)
	}
	return r, nil
}
