package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/internal/testutil"
	"github.com/navesadeh/full-cache/pkg/policy"
	"github.com/navesadeh/full-cache/pkg/respcache"
)

func ms(v int64) *int64 { return &v }

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

// cacheCounter hands out unique store names so engine tests don't see each
// other's entries.
var cacheCounter int
var cacheCounterMu sync.Mutex

func nextCacheName() string {
	cacheCounterMu.Lock()
	defer cacheCounterMu.Unlock()
	cacheCounter++
	return fmt.Sprintf("engine-test-%d", cacheCounter)
}

// newTestEngine wires a full engine against a throwaway cache name. The
// stream URL points nowhere; tests deliver policies straight to the store.
func newTestEngine(t *testing.T, env Env) *Engine {
	t.Helper()
	client := setupTestRedis(t)

	if env.CacheName == "" {
		env.CacheName = nextCacheName()
	}
	if env.WebsocketServerURL == "" {
		env.WebsocketServerURL = "ws://127.0.0.1:1/unused"
	}

	logger := zerolog.Nop()
	e, err := New(Config{
		Env:       env,
		Redis:     client,
		PolicyDir: t.TempDir(),
		Logger:    &logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Deactivate)
	return e
}

func originPolicy(origin string, settings *policy.CacheSettings) *policy.CachePolicy {
	return &policy.CachePolicy{
		Hosts: map[string]*policy.HostNode{
			origin: {
				Endpoints: map[string]*policy.EndpointNode{
					"users": {
						Methods: map[string]*policy.CacheSettings{
							"GET": settings,
						},
					},
				},
			},
		},
	}
}

func get(t *testing.T, e *Engine, rawURL string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := e.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_BypassMode(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	logger := zerolog.Nop()
	e, err := New(Config{Env: Env{}, Logger: &logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Deactivate()

	if !e.Bypass() {
		t.Fatal("engine with incomplete env must run in bypass mode")
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// Every request is a direct network fetch; nothing is cached.
	for i := 0; i < 2; i++ {
		resp := get(t, e, origin.URL()+"/users")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if got := origin.GetRequestCount(); got != 2 {
		t.Errorf("bypass engine made %d origin requests, want 2", got)
	}
}

func TestEngine_NoPolicyBypasses(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	e := newTestEngine(t, Env{})

	// No policy set: exactly one network fetch per request, nothing stored.
	resp := get(t, e, origin.URL()+"/users")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != `{"status": "ok"}` {
		t.Errorf("bypass must return the origin response unmodified, got %q", body)
	}
	if origin.GetRequestCount() != 1 {
		t.Errorf("origin requests = %d, want 1", origin.GetRequestCount())
	}
	keys, err := e.Cache().Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("bypass must not write the response store, found %v", keys)
	}
}

func TestEngine_IgnoreOriginsBypasses(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	e := newTestEngine(t, Env{IgnoreOrigins: []string{origin.URL()}})

	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(60000)}))

	for i := 0; i < 2; i++ {
		resp := get(t, e, origin.URL()+"/users")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if got := origin.GetRequestCount(); got != 2 {
		t.Errorf("ignored origin made %d origin requests, want 2", got)
	}
	keys, _ := e.Cache().Keys(context.Background())
	if len(keys) != 0 {
		t.Errorf("ignored origin must not write the response store, found %v", keys)
	}
}

func TestEngine_FreshHit(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/users", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"users":[1,2]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	})

	e := newTestEngine(t, Env{})
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(60000)}))

	first := get(t, e, origin.URL()+"/users")
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()

	second := get(t, e, origin.URL()+"/users")
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()

	if origin.GetRequestCount() != 1 {
		t.Errorf("two requests caused %d network fetches, want 1", origin.GetRequestCount())
	}
	if string(firstBody) != string(secondBody) {
		t.Errorf("cached body differs: %q vs %q", firstBody, secondBody)
	}
	if second.Header.Get(respcache.TimestampHeader) == "" {
		t.Error("served cached response must carry the timestamp header")
	}
}

func TestEngine_NonSuccessNotStored(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/users", testutil.MockResponse{StatusCode: 503, Body: "down"})

	e := newTestEngine(t, Env{})
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(60000)}))

	resp := get(t, e, origin.URL()+"/users")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("non-2xx response must be returned as-is, got %d", resp.StatusCode)
	}

	keys, _ := e.Cache().Keys(context.Background())
	if len(keys) != 0 {
		t.Errorf("non-2xx response must not be stored, found %v", keys)
	}

	// Not cached: the next request fetches again.
	resp = get(t, e, origin.URL()+"/users")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if origin.GetRequestCount() != 2 {
		t.Errorf("origin requests = %d, want 2", origin.GetRequestCount())
	}
}

func TestEngine_LastModifiedEviction(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	e := newTestEngine(t, Env{})
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(600000)}))

	resp := get(t, e, origin.URL()+"/users")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	waitFor(t, "entry stored", func() bool {
		keys, _ := e.Cache().Keys(context.Background())
		return len(keys) == 1
	})

	// A policy with lastModified in the future makes the stored entry
	// stale; the sweep on policy receipt deletes it.
	future := time.Now().Add(time.Hour).UnixMilli()
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{LastModified: ms(future)}))

	waitFor(t, "stale sweep", func() bool {
		keys, _ := e.Cache().Keys(context.Background())
		return len(keys) == 0
	})

	// The next request fetches anew.
	resp = get(t, e, origin.URL()+"/users")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if origin.GetRequestCount() != 2 {
		t.Errorf("origin requests = %d, want 2", origin.GetRequestCount())
	}
}

func TestEngine_PolicyResetClearsStore(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	e := newTestEngine(t, Env{})
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(600000)}))

	resp := get(t, e, origin.URL()+"/users")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	waitFor(t, "entry stored", func() bool {
		keys, _ := e.Cache().Keys(context.Background())
		return len(keys) == 1
	})

	e.PolicyStore().Reset()
	waitFor(t, "store cleared", func() bool {
		keys, _ := e.Cache().Keys(context.Background())
		return len(keys) == 0
	})
}

func TestEngine_ConcurrentIdenticalRequestsSingleFetch(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/users", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"users":[]}`,
		Delay:      50 * time.Millisecond,
	})

	e := newTestEngine(t, Env{})
	e.PolicyStore().Set(originPolicy(origin.URL(), &policy.CacheSettings{TTL: ms(60000)}))

	const concurrent = 5
	var wg sync.WaitGroup
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest("GET", origin.URL()+"/users", nil)
			if err != nil {
				errs[i] = err
				return
			}
			resp, err := e.RoundTrip(req)
			if err != nil {
				errs[i] = err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}

	if got := origin.GetRequestCount(); got != 1 {
		t.Errorf("concurrent identical requests caused %d fetches, want 1", got)
	}
}

func TestEngine_DisconnectPollReconnect(t *testing.T) {
	policyServer := testutil.NewMockPolicyServer()
	defer policyServer.Close()

	e := newTestEngine(t, Env{
		WebsocketServerURL:        policyServer.StreamURL(),
		FallbackPollingServerURL:  policyServer.PollURL(),
		FallbackPollingIntervalMs: 50,
	})
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	waitFor(t, "stream connection", func() bool { return e.syncClient.IsConnected() })

	v1 := originPolicy("https://api.example.com", &policy.CacheSettings{TTL: ms(1000)})
	if err := policyServer.PushPolicy(v1); err != nil {
		t.Fatalf("PushPolicy failed: %v", err)
	}
	waitFor(t, "policy v1 via stream", func() bool { return e.PolicyStore().Current() != nil })

	// Drop the stream: within one poll interval the fallback fetches the
	// newer policy.
	v2 := originPolicy("https://api.example.com", &policy.CacheSettings{TTL: ms(2000)})
	policyServer.SetPollPolicy(v2)
	policyServer.CloseConnections()

	waitFor(t, "policy v2 via poll", func() bool {
		p := e.PolicyStore().Current()
		if p == nil {
			return false
		}
		s := p.Resolve("https://api.example.com", "users", "GET")
		return s != nil && s.TTL != nil && *s.TTL == 2000
	})

	// The client reconnects on its own backoff; polling goes quiet again.
	waitFor(t, "stream reconnection", func() bool { return e.syncClient.IsConnected() })
}
