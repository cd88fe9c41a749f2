package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

const defaultKeyPrefix = "dawsos:fpcache"

// RedisStore is the shared second level. Envelopes are stored as their JSON
// encoding with Redis-side expiry, so replicas read each other's fills.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "cache_l2"),
	}
}

func (r *RedisStore) key(fp string) string {
	return r.prefix + ":" + fp
}

func (r *RedisStore) Get(ctx context.Context, fingerprint string) (provenance.Envelope, bool, error) {
	data, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return provenance.Envelope{}, false, nil
	}
	if err != nil {
		return provenance.Envelope{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	var env provenance.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A corrupt value must not serve; drop it.
		r.client.Del(ctx, r.key(fingerprint))
		return provenance.Envelope{}, false, fmt.Errorf("cache: redis decode: %w", err)
	}
	return env, true, nil
}

func (r *RedisStore) Put(ctx context.Context, fingerprint string, env provenance.Envelope, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: redis encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// InvalidateOtherPacks scans the keyspace and deletes every envelope not
// computed under activePack. Values that fail to decode are deleted too.
func (r *RedisStore) InvalidateOtherPacks(ctx context.Context, activePack string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+":*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(keys) > 0 {
			doomed, err := r.staleKeys(ctx, keys, activePack)
			if err != nil {
				return removed, err
			}
			if len(doomed) > 0 {
				if err := r.client.Del(ctx, doomed...).Err(); err != nil {
					return removed, fmt.Errorf("cache: redis del: %w", err)
				}
				removed += len(doomed)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *RedisStore) staleKeys(ctx context.Context, keys []string, activePack string) ([]string, error) {
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis mget: %w", err)
	}
	var doomed []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Key vanished between SCAN and MGET.
			continue
		}
		var probe struct {
			Meta provenance.Meta `json:"__meta__"`
		}
		if json.Unmarshal([]byte(s), &probe) != nil || probe.Meta.PricingPackID != activePack {
			doomed = append(doomed, keys[i])
		}
	}
	return doomed, nil
}
