// Package policysync maintains a live policy subscription over a websocket
// stream with an HTTP poll fallback.
//
// The stream delivers JSON envelopes {"type","data"}; CACHE_CONFIG
// envelopes carry a CachePolicy. On disconnect the client reconnects with
// doubling backoff (1s up to 30s) while the owner may poll the fallback
// URL; polling is a no-op whenever the stream is connected.
package policysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/policy"
)

// Message envelope types recognized on the stream.
const (
	// TypeCacheConfig envelopes carry a CachePolicy in data.
	TypeCacheConfig = "CACHE_CONFIG"
)

// Reconnect backoff bounds.
const (
	// InitialBackoff is the reconnect delay after the first failure.
	InitialBackoff = 1000 * time.Millisecond

	// MaxBackoff caps the doubling reconnect delay.
	MaxBackoff = 30000 * time.Millisecond
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("policysync: client closed")

// Envelope is the wire frame of every stream message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Callbacks are the client's delivery hooks. OnReceive fires for every
// structurally new policy, from either transport.
type Callbacks struct {
	OnReceive    func(*policy.CachePolicy)
	OnConnect    func()
	OnDisconnect func()
}

// Client maintains a single live subscription to the stream URL and
// optionally polls the fallback URL.
type Client struct {
	streamURL string
	pollURL   string
	callbacks Callbacks

	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     zerolog.Logger
	dispatch   dispatcher

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	backoff    time.Duration
	reconnect  *time.Timer
	closed     bool
}

// NewClient creates a sync client. pollURL may be empty to disable the
// fallback.
func NewClient(streamURL, pollURL string, cb Callbacks, logger zerolog.Logger) *Client {
	return &Client{
		streamURL:  streamURL,
		pollURL:    pollURL,
		callbacks:  cb,
		dialer:     websocket.DefaultDialer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		dispatch: dispatcher{
			onReceive: cb.OnReceive,
			logger:    logger,
		},
		backoff: InitialBackoff,
	}
}

// Connect establishes the stream subscription. It is idempotent: if the
// stream is already open (or opening) it returns immediately. A failed
// attempt schedules a reconnect and returns the dial error.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, resp, err := c.dialer.Dial(c.streamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", c.streamURL).Msg("Stream dial failed")
		c.onStreamDown()
		return fmt.Errorf("dial policy stream: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connecting = false
	c.backoff = InitialBackoff
	c.cancelReconnectLocked()
	c.mu.Unlock()

	c.logger.Info().Str("url", c.streamURL).Msg("Policy stream connected")
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}

	go c.readLoop(conn)
	return nil
}

// IsConnected reports whether the stream is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Poll performs a one-shot HTTP GET against the poll URL and delivers the
// decoded policy if it differs from the last delivered value. Skipped when
// the stream is connected or no poll URL is configured.
func (c *Client) Poll(ctx context.Context) error {
	if c.pollURL == "" || c.IsConnected() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pollURL, nil)
	if err != nil {
		return fmt.Errorf("create poll request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll policy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll policy: unexpected status %d", resp.StatusCode)
	}

	var p *policy.CachePolicy
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return fmt.Errorf("decode polled policy: %w", err)
	}
	if !p.Valid() {
		return fmt.Errorf("polled policy has no hosts mapping")
	}

	c.dispatch.deliver("poll", p)
	return nil
}

// Close tears down the subscription and cancels any pending reconnect. The
// client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cancelReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop consumes stream messages until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Policy stream closed")
			c.streamError(conn)
			return
		}
		if err := c.handleMessage(data); err != nil {
			c.logger.Error().Err(err).Msg("Malformed stream message")
			c.streamError(conn)
			return
		}
	}
}

// handleMessage decodes one envelope. Unknown types are logged and
// ignored; malformed JSON is an error and raises the stream error path.
func (c *Client) handleMessage(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeCacheConfig:
		var p *policy.CachePolicy
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode %s data: %w", TypeCacheConfig, err)
		}
		if !p.Valid() {
			c.logger.Warn().Msg("Dropping policy without hosts mapping")
			return nil
		}
		c.dispatch.deliver("stream", p)
	default:
		c.logger.Debug().Str("type", env.Type).Msg("Ignoring unknown message type")
	}
	return nil
}

// streamError tears down the given connection and enters the disconnect
// path, unless a newer connection has already replaced it.
func (c *Client) streamError(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.onStreamDown()
}

// onStreamDown fires OnDisconnect and schedules a reconnect after the
// current backoff, doubling it up to MaxBackoff. Any prior pending
// reconnect is cancelled.
func (c *Client) onStreamDown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delay := c.backoff
	c.backoff = nextBackoff(c.backoff)
	c.cancelReconnectLocked()
	c.reconnect = time.AfterFunc(delay, func() {
		if err := c.Connect(); err != nil && err != ErrClosed {
			c.logger.Debug().Err(err).Msg("Reconnect attempt failed")
		}
	})
	c.mu.Unlock()

	c.logger.Info().Dur("backoff", delay).Msg("Policy stream down, reconnect scheduled")
	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect()
	}
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// nextBackoff doubles the delay up to MaxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > MaxBackoff {
		return MaxBackoff
	}
	return next
}
