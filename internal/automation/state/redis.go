// filename: internal/automation/state/redis.go
package state

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoops/autoops/internal/common/config"
)

const (
	fieldBecameTrue = "became_true"
	fieldLastFired  = "last_fired"
)

// RedisStore реализует Store поверх Redis, чтобы несколько реплик движка видели общие таймеры // v1.0
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	reads  int64
	writes int64
}

// NewRedisStore подключается к Redis и проверяет соединение // v1.0
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient создает хранилище из готового клиента // v1.0
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "autoops:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "cond:",
		ttl:    7 * 24 * time.Hour,
	}
}

func (r *RedisStore) makeKey(key string) string {
	return r.prefix + key
}

// Get читает хэш условия // v1.0
func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	atomic.AddInt64(&r.reads, 1)

	values, err := r.client.HGetAll(ctx, r.makeKey(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis hgetall failed: %w", err)
	}

	var entry Entry
	if v, ok := values[fieldBecameTrue]; ok {
		entry.BecameTrue = parseNanos(v)
	}
	if v, ok := values[fieldLastFired]; ok {
		entry.LastFired = parseNanos(v)
	}
	return entry, nil
}

// Put записывает хэш условия; пустые метки удаляются из хэша // v1.0
func (r *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	atomic.AddInt64(&r.writes, 1)
	redisKey := r.makeKey(key)

	if entry.IsZero() {
		return r.Delete(ctx, key)
	}

	pipe := r.client.TxPipeline()
	set := map[string]interface{}{}
	var del []string
	if entry.BecameTrue.IsZero() {
		del = append(del, fieldBecameTrue)
	} else {
		set[fieldBecameTrue] = strconv.FormatInt(entry.BecameTrue.UnixNano(), 10)
	}
	if entry.LastFired.IsZero() {
		del = append(del, fieldLastFired)
	} else {
		set[fieldLastFired] = strconv.FormatInt(entry.LastFired.UnixNano(), 10)
	}
	if len(del) > 0 {
		pipe.HDel(ctx, redisKey, del...)
	}
	pipe.HSet(ctx, redisKey, set)
	pipe.Expire(ctx, redisKey, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

// Delete удаляет хэш условия // v1.0
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.makeKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// DeletePrefix удаляет все ключи правила через SCAN // v1.0
func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, r.makeKey(prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Stats возвращает статистику хранилища // v1.0
func (r *RedisStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":   "redis",
		"prefix": r.prefix,
		"reads":  atomic.LoadInt64(&r.reads),
		"writes": atomic.LoadInt64(&r.writes),
	}
}

// Close закрывает клиент // v1.0
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
