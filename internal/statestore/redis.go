package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// RedisStore implements Store on a Redis server shared by all workers.
//
// Layout, relative to the key prefix:
//
//	ports            hash   port -> lease JSON
//	ready:<type>     list   unit IDs, oldest at the head
//	units            hash   unit ID -> unit JSON
//	binding:<s>:<u>  string binding JSON
//	bindings         set    binding keys
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sandboxpool"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) bindingKey(key types.TenantKey) string {
	return s.key("binding", key.String())
}

// AddPort records a lease if the port is free.
func (s *RedisStore) AddPort(ctx context.Context, lease types.PortLease) (bool, error) {
	data, err := json.Marshal(lease)
	if err != nil {
		return false, err
	}
	ok, err := s.client.HSetNX(ctx, s.key("ports"), strconv.Itoa(lease.Port), data).Result()
	if err != nil {
		return false, fmt.Errorf("add port %d: %w", lease.Port, err)
	}
	return ok, nil
}

// RemovePort frees a port.
func (s *RedisStore) RemovePort(ctx context.Context, port int) error {
	return s.client.HDel(ctx, s.key("ports"), strconv.Itoa(port)).Err()
}

// ListPorts returns all active leases ordered by port.
func (s *RedisStore) ListPorts(ctx context.Context) ([]types.PortLease, error) {
	all, err := s.client.HGetAll(ctx, s.key("ports")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.PortLease, 0, len(all))
	for _, v := range all {
		var l types.PortLease
		if err := json.Unmarshal([]byte(v), &l); err != nil {
			return nil, fmt.Errorf("decode port lease: %w", err)
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// PushReady appends a unit to the ready queue of its type.
func (s *RedisStore) PushReady(ctx context.Context, typeName, unitID string) error {
	return s.client.RPush(ctx, s.key("ready", typeName), unitID).Err()
}

// PopReady removes and returns the oldest ready unit of a type.
func (s *RedisStore) PopReady(ctx context.Context, typeName string) (string, bool, error) {
	id, err := s.client.LPop(ctx, s.key("ready", typeName)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RemoveReady removes a unit from the ready queue if present.
func (s *RedisStore) RemoveReady(ctx context.Context, typeName, unitID string) error {
	return s.client.LRem(ctx, s.key("ready", typeName), 0, unitID).Err()
}

// ReadyLen returns the ready queue length of a type.
func (s *RedisStore) ReadyLen(ctx context.Context, typeName string) (int, error) {
	n, err := s.client.LLen(ctx, s.key("ready", typeName)).Result()
	return int(n), err
}

// ListReady returns the ready queue of a type, oldest first.
func (s *RedisStore) ListReady(ctx context.Context, typeName string) ([]string, error) {
	return s.client.LRange(ctx, s.key("ready", typeName), 0, -1).Result()
}

// PutUnit creates or replaces a unit record.
func (s *RedisStore) PutUnit(ctx context.Context, unit *types.Unit) error {
	if unit == nil || unit.ID == "" {
		return errors.New("unit ID cannot be empty")
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("units"), unit.ID, data).Err()
}

// GetUnit returns a unit record.
func (s *RedisStore) GetUnit(ctx context.Context, unitID string) (*types.Unit, error) {
	data, err := s.client.HGet(ctx, s.key("units"), unitID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	var u types.Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode unit %s: %w", unitID, err)
	}
	return &u, nil
}

// DeleteUnit removes a unit record.
func (s *RedisStore) DeleteUnit(ctx context.Context, unitID string) error {
	return s.client.HDel(ctx, s.key("units"), unitID).Err()
}

// ListUnits returns all unit records ordered by creation time.
func (s *RedisStore) ListUnits(ctx context.Context) ([]*types.Unit, error) {
	all, err := s.client.HGetAll(ctx, s.key("units")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Unit, 0, len(all))
	for id, v := range all {
		var u types.Unit
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			return nil, fmt.Errorf("decode unit %s: %w", id, err)
		}
		out = append(out, &u)
	}
	sortUnits(out)
	return out, nil
}

// GetBinding returns a tenant binding.
func (s *RedisStore) GetBinding(ctx context.Context, key types.TenantKey) (*types.TenantBinding, error) {
	data, err := s.client.Get(ctx, s.bindingKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeBinding(data)
}

// CompareAndSwapBinding stores next if the stored version matches. The
// version check and the write run under WATCH so a concurrent writer makes
// the transaction fail.
func (s *RedisStore) CompareAndSwapBinding(ctx context.Context, next *types.TenantBinding, expectedVersion int64) (*types.TenantBinding, error) {
	bk := s.bindingKey(next.Key)
	stored := next.Clone()
	stored.Version = expectedVersion + 1

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.versionOf(ctx, tx, bk)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return types.ErrStoreConflict
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, bk, data, 0)
			pipe.SAdd(ctx, s.key("bindings"), next.Key.String())
			return nil
		})
		return err
	}, bk)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, types.ErrStoreConflict
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteBinding removes a binding if its version matches.
func (s *RedisStore) DeleteBinding(ctx context.Context, key types.TenantKey, expectedVersion int64) error {
	bk := s.bindingKey(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.versionOf(ctx, tx, bk)
		if err != nil {
			return err
		}
		if current == 0 {
			return types.ErrBindingNotFound
		}
		if current != expectedVersion {
			return types.ErrStoreConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, bk)
			pipe.SRem(ctx, s.key("bindings"), key.String())
			return nil
		})
		return err
	}, bk)

	if errors.Is(err, redis.TxFailedErr) {
		return types.ErrStoreConflict
	}
	return err
}

func (s *RedisStore) versionOf(ctx context.Context, tx *redis.Tx, bk string) (int64, error) {
	data, err := tx.Get(ctx, bk).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	b, err := decodeBinding(data)
	if err != nil {
		return 0, err
	}
	return b.Version, nil
}

// ListBindings returns all tenant bindings.
func (s *RedisStore) ListBindings(ctx context.Context) ([]*types.TenantBinding, error) {
	members, err := s.client.SMembers(ctx, s.key("bindings")).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.key("binding", m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.TenantBinding, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SMEMBERS and MGET.
			continue
		}
		b, err := decodeBinding([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sortBindings(out)
	return out, nil
}

// Ping checks that the server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeBinding(data []byte) (*types.TenantBinding, error) {
	var b types.TenantBinding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode binding: %w", err)
	}
	if b.Units == nil {
		b.Units = make(map[string]types.BoundUnit)
	}
	return &b, nil
}
