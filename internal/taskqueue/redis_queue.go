package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set:
//
//	<prefix>tasks
//
// Members are JSON task records (see member) scored by NotBefore in unix
// milliseconds, so redis-cli shows what is scheduled. Workers poll for due members and claim one with ZREM; only
// the worker whose ZREM removes the member runs the task.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "sundayhug:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "sundayhug:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		// Members must be unique or identical tasks collapse into one.
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	data, err := encodeMember(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMilli()),
		Member: data,
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Task, error) {
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Another worker claimed it first.
			continue
		}
		t, err := decodeMember(member)
		if err != nil {
			// Already removed, so the next claim moves past it.
			return nil, err
		}
		t.Attempts++
		return t, nil
	}
	return nil, nil
}

func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// ErrMalformedTask is returned by Dequeue for a member that does not decode
// into a task. The member is dropped.
var ErrMalformedTask = errors.New("taskqueue: malformed task")

// member is the stored form of a Task. Times are unix milliseconds, the same
// resolution as the score.
type member struct {
	ID         string   `json:"id"`
	Type       TaskType `json:"type"`
	InstanceID string   `json:"instance_id,omitempty"`
	Token      string   `json:"token,omitempty"`
	Attempts   int      `json:"attempts,omitempty"`
	EnqueuedAt int64    `json:"enqueued_at"`
	NotBefore  int64    `json:"not_before"`
}

func encodeMember(t Task) ([]byte, error) {
	return json.Marshal(member{
		ID:         t.ID,
		Type:       t.Type,
		InstanceID: t.InstanceID,
		Token:      t.Token,
		Attempts:   t.Attempts,
		EnqueuedAt: t.EnqueuedAt.UnixMilli(),
		NotBefore:  t.NotBefore.UnixMilli(),
	})
}

func decodeMember(raw string) (*Task, error) {
	var m member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if m.ID == "" || m.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedTask)
	}
	return &Task{
		ID:         m.ID,
		Type:       m.Type,
		InstanceID: m.InstanceID,
		Token:      m.Token,
		Attempts:   m.Attempts,
		EnqueuedAt: time.UnixMilli(m.EnqueuedAt),
		NotBefore:  time.UnixMilli(m.NotBefore),
	}, nil
}
