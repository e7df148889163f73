package respcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/cachekey"
	"github.com/navesadeh/full-cache/pkg/policy"
)

// setupTestRedis creates a test Redis client, skipping when no local Redis
// is available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func testEntry(t *testing.T, body string, storedAt time.Time) *Entry {
	t.Helper()
	entry := &Entry{
		Body:       []byte(body),
		Status:     200,
		StatusText: "OK",
		Headers:    [][2]string{{"Content-Type", "application/json"}},
	}
	entry.SetTimestamp(storedAt)
	return entry
}

func TestNewManager_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, "test-cache", zerolog.Nop())
}

func TestManager_PutAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, "test-cache", zerolog.Nop())
	ctx := context.Background()

	key := "https://api.example.com/users?__body=none&__method=GET"
	entry := testEntry(t, `{"users":[]}`, time.Now())

	if err := manager.Put(ctx, key, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(retrieved.Body) != string(entry.Body) {
		t.Errorf("Body mismatch: got %s, want %s", retrieved.Body, entry.Body)
	}
	if retrieved.Status != entry.Status {
		t.Errorf("Status mismatch: got %d, want %d", retrieved.Status, entry.Status)
	}
	if retrieved.GetHeader(TimestampHeader) == "" {
		t.Error("stored entry lost its timestamp header")
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, "test-cache", zerolog.Nop())

	if _, err := manager.Get(context.Background(), "missing"); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Clear(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, "test-cache", zerolog.Nop())
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := manager.Put(ctx, key, testEntry(t, key, time.Now())); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Entries under another store name survive a clear.
	other := NewManager(client, "other-cache", zerolog.Nop())
	if err := other.Put(ctx, "a", testEntry(t, "other", time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := manager.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	keys, err := manager.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Clear left %d keys: %v", len(keys), keys)
	}
	if _, err := other.Get(ctx, "a"); err != nil {
		t.Errorf("Clear must not touch other store names: %v", err)
	}
}

func TestManager_DeleteStale(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, "test-cache", zerolog.Nop())
	ctx := context.Background()

	buildKey := func(rawURL string) string {
		req, _ := http.NewRequest("GET", rawURL, nil)
		key, err := cachekey.Build(req, nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return key
	}

	freshKey := buildKey("https://api.example.com/users")
	staleKey := buildKey("https://api.example.com/stale")
	corruptKey := buildKey("https://api.example.com/corrupt")
	uncoveredKey := buildKey("https://api.example.com/uncovered")

	// Policy delivers lastModified=2000: entries stamped earlier are stale.
	lastModified := int64(2000)
	settings := &policy.CacheSettings{LastModified: &lastModified}

	manager.Put(ctx, freshKey, testEntry(t, "fresh", time.UnixMilli(2500)))
	manager.Put(ctx, staleKey, testEntry(t, "stale", time.UnixMilli(1500)))
	manager.Put(ctx, uncoveredKey, testEntry(t, "uncovered", time.UnixMilli(2500)))

	corrupt := testEntry(t, "corrupt", time.Now())
	corrupt.SetHeader(TimestampHeader, "garbage")
	manager.Put(ctx, corruptKey, corrupt)

	resolve := func(r *http.Request) *policy.CacheSettings {
		if policy.NormalizePath(r.URL.Path) == "uncovered" {
			return nil
		}
		return settings
	}

	if err := manager.DeleteStale(ctx, resolve); err != nil {
		t.Fatalf("DeleteStale failed: %v", err)
	}

	if _, err := manager.Get(ctx, freshKey); err != nil {
		t.Errorf("fresh entry should survive the sweep: %v", err)
	}
	for name, key := range map[string]string{
		"stale":     staleKey,
		"corrupt":   corruptKey,
		"uncovered": uncoveredKey,
	} {
		if _, err := manager.Get(ctx, key); err != ErrCacheMiss {
			t.Errorf("%s entry should be swept, got %v", name, err)
		}
	}
}
