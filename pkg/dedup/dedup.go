package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/respcache"
)

// Prometheus metrics for deduplication.
var (
	dedupFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apicache_dedup_fetches_total",
		Help: "Total number of upstream fetches initiated by this instance",
	})

	dedupJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_dedup_joins_total",
		Help: "Total number of requests folded into an existing fetch",
	}, []string{"scope"}) // "local", "peer"

	dedupTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apicache_dedup_timeouts_total",
		Help: "Total number of deduplicated waits that timed out with no live owner",
	})
)

// DefaultTimeout bounds a deduplicated wait when the caller does not
// configure one.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout indicates no owner was alive within the wait window.
	// The caller may retry via a fresh invocation.
	ErrTimeout = errors.New("dedup: timed out with no live owner")

	// ErrDisposed indicates the deduper was torn down while waiting.
	ErrDisposed = errors.New("dedup: instance disposed")
)

// Fetcher performs the actual upstream fetch for a key. It must write the
// response store before returning, so that peers observing the
// response-ready broadcast after a miss still find the entry.
type Fetcher func() (*respcache.Entry, error)

// pending is a completion handle shared by all waiters for one key.
type pending struct {
	done  chan struct{}
	entry *respcache.Entry
	err   error
	once  sync.Once
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) resolve(entry *respcache.Entry, err error) {
	p.once.Do(func() {
		p.entry = entry
		p.err = err
		close(p.done)
	})
}

func (p *pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Deduper coordinates concurrent identical fetches. Within one instance,
// waiters for the same key share one pending completion; across instances,
// a peer's in-flight fetch (observed via heartbeats) is preferred over
// launching a new one.
type Deduper struct {
	bus     Bus
	hb      *HeartbeatManager
	ownerID string
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]*pending
	disposed bool
}

// NewDeduper creates a deduper over the bus. A zero timeout selects
// DefaultTimeout. The deduper owns the bus and closes it on Dispose.
func NewDeduper(bus Bus, timeout time.Duration, logger zerolog.Logger) *Deduper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ownerID := uuid.NewString()
	d := &Deduper{
		bus:      bus,
		hb:       NewHeartbeatManager(bus, ownerID, logger),
		ownerID:  ownerID,
		timeout:  timeout,
		logger:   logger.With().Str("owner_id", ownerID).Logger(),
		inFlight: make(map[string]*pending),
	}
	bus.Subscribe(d.handleMessage)
	return d
}

// OwnerID returns this instance's identity on the bus.
func (d *Deduper) OwnerID() string {
	return d.ownerID
}

// Do returns the deduplicated result for key. If the key is already in
// flight locally, the call joins the pending completion. If a peer's fetch
// is in progress, the call waits for its response-ready broadcast.
// Otherwise fetch is invoked, its result broadcast, and all local waiters
// completed with it.
func (d *Deduper) Do(ctx context.Context, key string, fetch Fetcher) (*respcache.Entry, error) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil, ErrDisposed
	}
	if p, ok := d.inFlight[key]; ok {
		d.mu.Unlock()
		dedupJoins.WithLabelValues("local").Inc()
		return d.wait(ctx, p)
	}
	p := newPending()
	d.inFlight[key] = p
	d.mu.Unlock()

	if d.hb.IsOwnerAlive(key) {
		// A peer's fetch is preferred over launching a new one.
		d.logger.Debug().Str("key", key).Msg("Waiting on peer fetch")
		dedupJoins.WithLabelValues("peer").Inc()
		d.watchTimeout(key, p)
		return d.wait(ctx, p)
	}

	dedupFetches.Inc()
	d.hb.StartHeartbeat(key)
	d.watchTimeout(key, p)
	go d.runFetch(key, p, fetch)
	return d.wait(ctx, p)
}

// Dispose fails all pending waits, releases heartbeat resources, and
// closes the bus.
func (d *Deduper) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	pendings := d.inFlight
	d.inFlight = make(map[string]*pending)
	d.mu.Unlock()

	for _, p := range pendings {
		p.resolve(nil, ErrDisposed)
	}
	d.hb.Dispose()
}

// handleMessage completes local waiters when a peer publishes the
// response for a key this instance is waiting on. A response-ready with no
// pending waiter is silently dropped: the publisher wrote the store before
// broadcasting, so the next request finds the entry there.
func (d *Deduper) handleMessage(msg *Message) {
	if msg.Type != MsgResponseReady || msg.OwnerID == d.ownerID || msg.Response == nil {
		return
	}
	d.complete(msg.Key, msg.Response, nil)
}

// runFetch executes the fetch, broadcasts the result, and completes local
// waiters.
func (d *Deduper) runFetch(key string, p *pending, fetch Fetcher) {
	entry, err := fetch()
	d.hb.EndHeartbeat(key)

	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("Fetch failed")
		d.complete(key, nil, err)
		return
	}

	busErr := d.bus.Publish(context.Background(), &Message{
		Type:     MsgResponseReady,
		Key:      key,
		OwnerID:  d.ownerID,
		Response: entry,
	})
	if busErr != nil {
		d.logger.Warn().Err(busErr).Str("key", key).Msg("Could not broadcast response")
	}
	d.complete(key, entry, nil)
}

// watchTimeout arms the wait deadline. When it fires with no live remote
// owner, the pending completion fails with ErrTimeout; while a peer
// heartbeat stays recent, the wait is extended one liveness window at a
// time.
func (d *Deduper) watchTimeout(key string, p *pending) {
	var check func()
	check = func() {
		if p.resolved() {
			return
		}
		if d.hb.IsOwnerAlive(key) {
			time.AfterFunc(LivenessWindow, check)
			return
		}
		dedupTimeouts.Inc()
		d.complete(key, nil, fmt.Errorf("%w: %s", ErrTimeout, key))
	}
	time.AfterFunc(d.timeout, check)
}

// complete resolves and releases the pending completion for key, if any.
func (d *Deduper) complete(key string, entry *respcache.Entry, err error) {
	d.mu.Lock()
	p, ok := d.inFlight[key]
	if ok {
		delete(d.inFlight, key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	p.resolve(entry, err)
}

func (d *Deduper) wait(ctx context.Context, p *pending) (*respcache.Entry, error) {
	select {
	case <-p.done:
		return p.entry, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
