// Package engine is the client-side HTTP response caching engine: it
// intercepts requests, consults the policy store for a merged policy,
// serves fresh stored responses, and routes misses through the
// cross-instance deduplication layer.
//
// Subsystem singletons (policy store, sync client, response cache manager,
// deduplication tables) live behind the Engine value rather than package
// state, threaded through the pipeline, so instances stay testable.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navesadeh/full-cache/pkg/dedup"
	"github.com/navesadeh/full-cache/pkg/policy"
	"github.com/navesadeh/full-cache/pkg/policysync"
	"github.com/navesadeh/full-cache/pkg/respcache"
)

const (
	// WarmupDebounce coalesces repeated policy-change warm-up triggers
	// to a single trailing invocation.
	WarmupDebounce = 500 * time.Millisecond

	// DefaultPollInterval is the fallback polling period when the env
	// does not configure one.
	DefaultPollInterval = 30 * time.Second

	// warmupConcurrency bounds parallel prefetch requests.
	warmupConcurrency = 8
)

// Config holds the engine configuration.
type Config struct {
	// Env is the instance environment. An incomplete env initializes the
	// engine in no-op bypass mode.
	Env Env

	// Redis backs the shared response store and the deduplication bus.
	// Required unless the env is incomplete.
	Redis *redis.Client

	// PolicyDir is the directory of the durable policy record. Defaults
	// to policy.DefaultDatabaseDir.
	PolicyDir string

	// HTTPClient performs upstream fetches. Defaults to a 30s-timeout
	// client.
	HTTPClient *http.Client

	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger

	// DedupTimeout bounds deduplicated waits. Defaults to
	// dedup.DefaultTimeout.
	DedupTimeout time.Duration
}

// Engine is one caching instance. Multiple instances cooperate through the
// shared response store and the broadcast bus.
type Engine struct {
	env    Env
	bypass bool

	store      *policy.Store
	syncClient *policysync.Client
	cache      *respcache.Manager
	deduper    *dedup.Deduper

	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	// scheduleWarmup is the debounced policy-change warm-up trigger.
	scheduleWarmup func()

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	activated bool
}

// New wires an engine from the configuration. With an incomplete env the
// engine comes up in bypass mode: every request is forwarded verbatim and
// no subsystem is initialized.
func New(cfg Config) (*Engine, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "engine").Logger()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		env:        cfg.Env,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	if !cfg.Env.Valid() {
		logger.Warn().Msg("Incomplete environment, running in bypass mode")
		e.bypass = true
		return e, nil
	}
	if cfg.Redis == nil {
		cancel()
		return nil, fmt.Errorf("redis client is required")
	}

	store, err := policy.NewStore(cfg.PolicyDir, logger.With().Str("component", "policy-store").Logger())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create policy store: %w", err)
	}
	e.store = store

	e.cache = respcache.NewManager(cfg.Redis, cfg.Env.CacheName,
		logger.With().Str("component", "respcache").Logger())

	bus := dedup.NewRedisBus(cfg.Redis, dedup.ChannelName,
		logger.With().Str("component", "dedup-bus").Logger())
	e.deduper = dedup.NewDeduper(bus, cfg.DedupTimeout,
		logger.With().Str("component", "dedup").Logger())

	e.syncClient = policysync.NewClient(cfg.Env.WebsocketServerURL, cfg.Env.FallbackPollingServerURL,
		policysync.Callbacks{
			OnReceive:    e.store.Set,
			OnConnect:    e.onSyncConnect,
			OnDisconnect: e.onSyncDisconnect,
		},
		logger.With().Str("component", "policysync").Logger())

	e.scheduleWarmup = Debounce(func() {
		e.warm(policy.PrefetchOnUpdate, policy.PrefetchAlways)
	}, WarmupDebounce)

	e.store.OnSet(func(*policy.CachePolicy) { go e.onPolicyUpdate() })
	e.store.OnReset(func() { go e.onPolicyReset() })

	return e, nil
}

// Bypass reports whether the engine runs in no-op bypass mode.
func (e *Engine) Bypass() bool {
	return e.bypass
}

// PolicyStore returns the policy store (nil in bypass mode).
func (e *Engine) PolicyStore() *policy.Store {
	return e.store
}

// Cache returns the response cache manager (nil in bypass mode).
func (e *Engine) Cache() *respcache.Manager {
	return e.cache
}

// Activate establishes the policy sync subscription, adopts a persisted
// policy if still valid, starts fallback polling, and warms startup
// prefetch entries. Idempotent.
func (e *Engine) Activate() error {
	if e.bypass {
		e.logger.Info().Msg("Activated in bypass mode")
		return nil
	}

	e.mu.Lock()
	if e.activated {
		e.mu.Unlock()
		return nil
	}
	e.activated = true
	e.mu.Unlock()

	e.store.LoadFromPersistenceIfValid()

	if err := e.syncClient.Connect(); err != nil {
		// The reconnect state machine takes over; polling covers the gap.
		e.logger.Warn().Err(err).Msg("Initial stream connect failed")
	}

	go e.pollLoop()
	go e.warm(policy.PrefetchOnLoad, policy.PrefetchAlways)

	e.logger.Info().Str("cache", e.env.CacheName).Msg("Engine activated")
	return nil
}

// Deactivate disposes deduplication and heartbeat resources, closes the
// sync subscription and the policy store, and stops background work.
func (e *Engine) Deactivate() {
	e.cancel()
	if e.bypass {
		return
	}

	if err := e.syncClient.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Could not close sync client")
	}
	e.deduper.Dispose()
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Could not close policy store")
	}
	e.logger.Info().Msg("Engine deactivated")
}

// onPolicyUpdate purges entries that are stale under the new policy, then
// schedules the debounced warm-up. The sweep runs on every change; the new
// policy is already in effect for intercepted requests.
func (e *Engine) onPolicyUpdate() {
	err := e.cache.DeleteStale(e.ctx, func(r *http.Request) *policy.CacheSettings {
		return e.store.ResolveRequestSettings(r, e.env.IgnoreOrigins)
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Stale sweep failed")
	}
	e.scheduleWarmup()
}

// onPolicyReset clears all cached responses.
func (e *Engine) onPolicyReset() {
	if err := e.cache.Clear(e.ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Could not clear response store on reset")
	}
}

// onSyncConnect triggers a prefetch sweep; fallback polling becomes a
// no-op while the stream is connected.
func (e *Engine) onSyncConnect() {
	e.scheduleWarmup()
}

func (e *Engine) onSyncDisconnect() {
	e.logger.Info().Msg("Policy stream disconnected, fallback polling active")
}

// pollLoop drives the HTTP fallback. Poll itself is skipped while the
// stream is connected or when no poll URL is configured.
func (e *Engine) pollLoop() {
	interval := DefaultPollInterval
	if e.env.FallbackPollingIntervalMs > 0 {
		interval = time.Duration(e.env.FallbackPollingIntervalMs) * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.syncClient.Poll(e.ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Fallback poll failed")
			}
		}
	}
}
