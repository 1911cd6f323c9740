// Package testutil starts throwaway backing services for integration tests.
// Each container is started at most once per test binary. Tests are skipped
// under -short or when no container runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startTimeout = 3 * time.Minute

type service struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *service) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		c, endpoint, err := start(ctx)
		if err != nil {
			if c != nil {
				_ = c.Terminate(context.Background()) // best-effort cleanup
			}
			s.err = err
			return
		}
		t.Cleanup(func() {
			testcontainers.CleanupContainer(t, c)
		})
		s.endpoint = endpoint
	})
	if s.err != nil {
		t.Skipf("container unavailable: %v", s.err)
	}
	return s.endpoint
}

var redisSvc, postgresSvc, mongoSvc service

// GetRedisAddress returns host:port of a Redis server.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisSvc.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		return c, endpoint, err
	})
}

// GetPostgresDSN returns a connection string for an empty PostgreSQL
// database.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresSvc.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("sundayhug_test"),
			postgres.WithUsername("sundayhug"),
			postgres.WithPassword("sundayhug"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		if err != nil {
			return nil, "", err
		}
		dsn, err := c.ConnectionString(ctx, "sslmode=disable")
		return c, dsn, err
	})
}

// GetMongoURI returns a mongodb:// URI.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoSvc.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
			),
		)
		if err != nil {
			return nil, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return c, "", err
		}
		return c, fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
