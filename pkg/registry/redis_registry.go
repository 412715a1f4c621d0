package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxisrange/praxis/pkg/domain"
)

const (
	instanceKeyPrefix = "praxis:instance:"
	activeKeyPrefix   = "praxis:active:"
	userSetPrefix     = "praxis:user:"
)

// RedisRegistry persists instances in Redis. The active slot is a dedicated
// key claimed with SET NX, which makes the check-and-insert of
// CreateStarting a single conditional write.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(addr string, db int, password string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient wires an existing client; tests pass one backed
// by miniredis.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func instanceKey(id domain.InstanceID) string { return instanceKeyPrefix + string(id) }
func activeKey(u domain.UserID) string        { return activeKeyPrefix + string(u) }
func userSetKey(u domain.UserID) string       { return userSetPrefix + string(u) + ":instances" }

func (r *RedisRegistry) CreateStarting(ctx context.Context, inst *domain.LabInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	claimed, err := r.client.SetNX(ctx, activeKey(inst.UserID), string(inst.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim active slot: %w", err)
	}
	if !claimed {
		// Slot taken. A claim whose instance row is terminal is stale debris
		// from a crash mid-transition and may be reclaimed; a claim whose
		// row is missing belongs to a concurrent create whose row write is
		// still in flight and counts as a conflict.
		holder, err := r.client.Get(ctx, activeKey(inst.UserID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read active slot: %w", err)
		}
		stale := false
		if holder != "" {
			if existing, gerr := r.Get(ctx, domain.InstanceID(holder)); gerr == nil && !existing.Status.IsActive() {
				stale = true
			}
		}
		if !stale {
			return ErrActiveInstanceExists
		}
		if err := r.client.Set(ctx, activeKey(inst.UserID), string(inst.ID), 0).Err(); err != nil {
			return fmt.Errorf("failed to reclaim active slot: %w", err)
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.ID), data, 0)
	pipe.SAdd(ctx, userSetKey(inst.UserID), string(inst.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll the claim back so the user is not locked out.
		_ = r.client.Del(ctx, activeKey(inst.UserID)).Err()
		return fmt.Errorf("failed to persist instance: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Update(ctx context.Context, inst *domain.LabInstance) error {
	existing, err := r.Get(ctx, inst.ID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() && inst.Status != existing.Status {
		return ErrInvalidTransition
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if err := r.client.Set(ctx, instanceKey(inst.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	if inst.Status.IsTerminal() {
		// Release the slot only if this instance still holds it. Start and
		// stop for one user are serialized by the orchestrator, so a plain
		// read-compare-delete is race-free here.
		holder, err := r.client.Get(ctx, activeKey(inst.UserID)).Result()
		if err == nil && holder == string(inst.ID) {
			_ = r.client.Del(ctx, activeKey(inst.UserID)).Err()
		}
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id domain.InstanceID) (*domain.LabInstance, error) {
	val, err := r.client.Get(ctx, instanceKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	var inst domain.LabInstance
	if err := json.Unmarshal([]byte(val), &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

func (r *RedisRegistry) ActiveForUser(ctx context.Context, userID domain.UserID) (*domain.LabInstance, error) {
	holder, err := r.client.Get(ctx, activeKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to read active slot: %w", err)
	}

	inst, err := r.Get(ctx, domain.InstanceID(holder))
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsActive() {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

func (r *RedisRegistry) ListByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.LabInstance, error) {
	var list []domain.LabInstance
	iter := r.client.Scan(ctx, 0, instanceKeyPrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get key %s: %w", iter.Val(), err)
		}

		var inst domain.LabInstance
		if err := json.Unmarshal([]byte(val), &inst); err != nil {
			continue
		}
		if inst.Status == status {
			list = append(list, inst)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan instances: %w", err)
	}
	return list, nil
}

func (r *RedisRegistry) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.LabInstance, error) {
	ids, err := r.client.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user instances: %w", err)
	}

	var list []domain.LabInstance
	for _, id := range ids {
		inst, err := r.Get(ctx, domain.InstanceID(id))
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		list = append(list, *inst)
	}
	sortByCreated(list)
	return list, nil
}

var _ Registry = (*RedisRegistry)(nil)
