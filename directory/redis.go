package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bverify.dev/custody/model"
)

const redisKeyPrefix = "bverify:account:"

// Redis reads accounts stored as one hash per account:
//
//	HSET bverify:account:<id> name <name> role <role> public_key <key>
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("directory: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Resolve(ctx context.Context, id string) (model.Account, error) {
	fields, err := r.client.HGetAll(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return model.Account{}, fmt.Errorf("directory: redis: %w", err)
	}
	if len(fields) == 0 {
		return model.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a := model.Account{
		ID:        id,
		Name:      fields["name"],
		Role:      model.Role(fields["role"]),
		PublicKey: fields["public_key"],
	}
	if !a.Role.Valid() {
		return model.Account{}, fmt.Errorf("directory: account %s has invalid role %q", id, a.Role)
	}
	return a, nil
}

// Put publishes a into the shared directory.
func (r *Redis) Put(ctx context.Context, a model.Account) error {
	if a.ID == "" || !a.Role.Valid() {
		return fmt.Errorf("directory: invalid account %+v", a)
	}
	return r.client.HSet(ctx, redisKeyPrefix+a.ID,
		"name", a.Name,
		"role", string(a.Role),
		"public_key", a.PublicKey,
	).Err()
}
