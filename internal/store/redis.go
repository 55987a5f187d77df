package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisOwnerTTL bounds how long a crashed owner keeps a key locked. Live
// owners refresh the lock every third of it.
const redisOwnerTTL = 30 * time.Second

var (
	refreshOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisStore stores each key as a plain Redis string without expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses a redis:// or rediss:// URL.
func NewRedisStore(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Lock claims key+":owner" with SET NX and keeps it alive until released.
// Only the token that set the owner key may refresh or delete it.
func (r *RedisStore) Lock(ctx context.Context, key string) (func() error, error) {
	ownerKey := key + ":owner"
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, ownerKey, token, redisOwnerTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLocked, key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(redisOwnerTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), redisOwnerTTL/3)
				refreshOwner.Run(ctx, r.client, []string{ownerKey}, token, redisOwnerTTL.Milliseconds())
				cancel()
			}
		}
	}()

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseOwner.Run(ctx, r.client, []string{ownerKey}, token).Err(); err != nil {
				releaseErr = fmt.Errorf("unlock %q: %w", key, err)
			}
		})
		return releaseErr
	}, nil
}
