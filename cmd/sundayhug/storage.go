package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/config"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
)

// storage is the persistence and task queue a serve process runs on.
type storage struct {
	persistence.Persistence
	Queue taskqueue.Queue

	closers []func() error
}

func (s *storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStorage connects the configured driver. Only instances live in
// Redis, PostgreSQL or MongoDB; approvals, events and execution records
// stay in memory for those drivers. Redis also carries the task queue.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage, error) {
	mem := persistence.NewInMemoryPersistence()
	st := &storage{Persistence: mem, Queue: taskqueue.NewInMemoryQueue()}

	switch cfg.Driver {
	case config.DriverMemory:

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		db.SetMaxOpenConns(1)
		st.closers = append(st.closers, db.Close)
		p, err := persistence.NewSQLitePersistence(db)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.Persistence, st.Queue = p, q

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.DSN})
		st.closers = append(st.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.DSN, err)
		}
		st.Instances = persistence.NewRedisInstanceStore(client, cfg.Prefix)
		st.Queue = taskqueue.NewRedisQueue(client, cfg.Prefix)

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, func() error { pool.Close(); return nil })
		s, err := persistence.NewPostgresInstanceStore(ctx, pool)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.Instances = s

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		st.Instances = persistence.NewMongoInstanceStore(client, cfg.Database, "instances")

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	logger.Info("storage ready", slog.String("driver", cfg.Driver))
	return st, nil
}
