package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/cachekey"
	"github.com/navesadeh/full-cache/pkg/policy"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// SettingsResolver resolves the merged cache settings for a reverted
// request during a stale sweep. A nil result means the policy no longer
// covers the entry.
type SettingsResolver func(*http.Request) *policy.CacheSettings

// Manager owns content-storage operations on the named Redis blob store.
//
// Operations are best-effort and tolerate concurrent mutation by sibling
// instances; an entry that disappears mid-sweep is simply skipped.
type Manager struct {
	redis     *redis.Client
	cacheName string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates a cache manager over the blob store named cacheName.
func NewManager(redisClient *redis.Client, cacheName string, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cacheName == "" {
		panic("cache name cannot be empty")
	}
	return &Manager{
		redis:     redisClient,
		cacheName: cacheName,
		logger:    logger,
		now:       time.Now,
	}
}

// storageKey namespaces a cache key under the store name.
func (m *Manager) storageKey(key string) string {
	return m.cacheName + ":" + key
}

// Get retrieves the entry stored under a cache key.
// Returns ErrCacheMiss if the key doesn't exist.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := m.redis.Get(ctx, m.storageKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Put stores an entry under a cache key.
func (m *Manager) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.storageKey(key), data, 0).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the entry stored under a cache key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, m.storageKey(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys enumerates every cache key currently stored under this store name.
func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	prefix := m.cacheName + ":"
	var keys []string

	iter := m.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Clear enumerates all stored keys and deletes each.
func (m *Manager) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Could not delete entry during clear")
		}
	}
	m.logger.Debug().Int("count", len(keys)).Msg("Cleared response store")
	return nil
}

// DeleteStale sweeps the store: every entry is reversed back to its
// original request, its settings resolved, and the freshness test applied.
// Stale, corrupt, and no-longer-covered entries are deleted.
func (m *Manager) DeleteStale(ctx context.Context, resolve SettingsResolver) error {
	keys, err := m.Keys(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	swept := 0
	for _, key := range keys {
		entry, err := m.Get(ctx, key)
		if err == ErrCacheMiss {
			// Deleted concurrently by a sibling; skip.
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Unreadable entry, deleting")
			m.deleteSwept(ctx, key, &swept)
			continue
		}

		storedAt, err := entry.Timestamp()
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Corrupt timestamp, deleting")
			m.deleteSwept(ctx, key, &swept)
			continue
		}

		original, err := cachekey.Revert(key)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Unrevertable key, deleting")
			m.deleteSwept(ctx, key, &swept)
			continue
		}

		settings := resolve(original)
		if settings == nil || !Fresh(storedAt, settings, now) {
			m.deleteSwept(ctx, key, &swept)
		}
	}

	m.logger.Debug().Int("swept", swept).Int("total", len(keys)).Msg("Stale sweep complete")
	return nil
}

func (m *Manager) deleteSwept(ctx context.Context, key string, swept *int) {
	if err := m.Delete(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Could not delete stale entry")
		return
	}
	SweptEntries.Inc()
	*swept++
}
