package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>:inst:<id>            => gob-encoded instance snapshot
//	<prefix>:idx:all              => SET of all instance IDs
//	<prefix>:idx:def:<definition> => SET of instance IDs for a given definition
//	<prefix>:idx:state:<state>    => SET of instance IDs in a given state
//
// The state index is rewritten on every update. ListInstances still
// re-checks each decoded snapshot against the filter.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

var allStates = []api.State{
	api.StatePending,
	api.StateRunning,
	api.StatePaused,
	api.StateWaitingApproval,
	api.StateCompleted,
	api.StateFailed,
	api.StateCancelled,
}

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "sundayhug:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "sundayhug:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyDefinition(id string) string {
	return s.prefix + "idx:def:" + id
}

func (s *RedisInstanceStore) keyState(state api.State) string {
	return s.prefix + "idx:state:" + string(state)
}

func (s *RedisInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	return s.index(ctx, inst)
}

func (s *RedisInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	// SET XX only overwrites an existing key; a missing key yields false.
	ok, err := s.client.SetXX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}
	return s.index(ctx, inst)
}

func (s *RedisInstanceStore) index(ctx context.Context, inst *api.WorkflowInstance) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyDefinition(inst.DefinitionID), inst.ID)
	for _, st := range allStates {
		if st != inst.State {
			pipe.SRem(ctx, s.keyState(st), inst.ID)
		}
	}
	pipe.SAdd(ctx, s.keyState(inst.State), inst.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(data)
}

func (s *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.DefinitionID != "" && filter.State != "":
		ids, err = s.client.SInter(ctx,
			s.keyDefinition(filter.DefinitionID),
			s.keyState(filter.State),
		).Result()
	case filter.DefinitionID != "":
		ids, err = s.client.SMembers(ctx, s.keyDefinition(filter.DefinitionID)).Result()
	case filter.State != "":
		ids, err = s.client.SMembers(ctx, s.keyState(filter.State)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]*api.WorkflowInstance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(inst) {
			instances = append(instances, inst)
		}
	}

	sortInstances(instances)
	return instances, nil
}
