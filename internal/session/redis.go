package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Client     redis.UniversalClient
	Prefix     string        // Key prefix, defaults to "bugle:session:"
	TTL        time.Duration // Sliding expiry refreshed on every write
	CookieName string
	Secure     bool
	Path       string
}

// NewRedisBackend stores each session as a Redis hash with one field per slot.
func NewRedisBackend(cfg RedisConfig) Backend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "bugle:session:"
	}
	return newIDBackend(&redisSlots{rdb: cfg.Client, prefix: prefix}, cfg.CookieName, cfg.TTL, cfg.Secure, cfg.Path)
}

func newIDBackend(slots slotStore, cookieName string, ttl time.Duration, secure bool, path string) *idBackend {
	if cookieName == "" {
		cookieName = DefaultIDCookie
	}
	if path == "" {
		path = "/"
	}
	return &idBackend{slots: slots, cookieName: cookieName, ttl: ttl, secure: secure, path: path}
}

type redisSlots struct {
	rdb    redis.UniversalClient
	prefix string
}

func (r *redisSlots) key(id string) string {
	return r.prefix + id
}

func (r *redisSlots) get(ctx context.Context, id string, slot Slot) ([]byte, error) {
	data, err := r.rdb.HGet(ctx, r.key(id), string(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", slot, err)
	}
	return data, nil
}

func (r *redisSlots) put(ctx context.Context, id string, slot Slot, data []byte, ttl time.Duration) error {
	key := r.key(id)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, string(slot), data)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session %s: %w", slot, err)
	}
	return nil
}

func (r *redisSlots) del(ctx context.Context, id string, slots ...Slot) error {
	fields := make([]string, 0, len(slots))
	for _, s := range slots {
		fields = append(fields, string(s))
	}
	if err := r.rdb.HDel(ctx, r.key(id), fields...).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (r *redisSlots) exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// rename keeps the hash and its TTL. A session that expired meanwhile has
// nothing to move.
func (r *redisSlots) rename(ctx context.Context, from, to string) error {
	err := r.rdb.Rename(ctx, r.key(from), r.key(to)).Err()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return err
	}
	return nil
}
