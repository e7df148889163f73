// Package dedup folds concurrent identical requests into a single upstream
// fetch, both within one instance and across sibling instances.
//
// Instances coordinate over a broadcast bus carrying heartbeat, task-end,
// and response-ready messages. The bus is best-effort: a lost
// response-ready is recovered by the waiter's timeout, and the next
// request consults the response store, which the publisher writes before
// broadcasting.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/respcache"
)

// ChannelName is the broadcast channel shared by all instances.
const ChannelName = "api-cache-dedup"

// MessageType discriminates bus messages.
type MessageType string

const (
	// MsgTaskHeartbeat announces an in-progress fetch for a key.
	MsgTaskHeartbeat MessageType = "task-heartbeat"

	// MsgTaskEnd announces that a fetch for a key has ended.
	MsgTaskEnd MessageType = "task-end"

	// MsgResponseReady carries the serialized response for a key.
	MsgResponseReady MessageType = "response-ready"
)

// Message is the bus frame.
type Message struct {
	Type      MessageType      `json:"type"`
	Key       string           `json:"key"`
	OwnerID   string           `json:"ownerId,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"` // ms since epoch
	Response  *respcache.Entry `json:"response,omitempty"`
}

// Bus is a many-to-many broadcast channel. Delivery is FIFO per sender
// with no cross-sender ordering; handlers must be reentrancy-safe.
// Publishing delivers to every instance subscribed to the channel,
// including the sender.
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(handler func(*Message))
	Close() error
}

// RedisBus implements Bus over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	sub     *redis.PubSub
	logger  zerolog.Logger

	mu       sync.Mutex
	handlers []func(*Message)
}

// NewRedisBus subscribes to the named channel and starts dispatching
// incoming messages to registered handlers.
func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if channel == "" {
		channel = ChannelName
	}
	b := &RedisBus{
		client:  client,
		channel: channel,
		sub:     client.Subscribe(context.Background(), channel),
		logger:  logger,
	}
	go b.dispatch()
	return b
}

// Publish broadcasts a message to every subscriber of the channel.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish bus message: %w", err)
	}
	return nil
}

// Subscribe registers a handler for every incoming message.
func (b *RedisBus) Subscribe(handler func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Close tears down the subscription; the dispatch loop drains and exits.
func (b *RedisBus) Close() error {
	return b.sub.Close()
}

func (b *RedisBus) dispatch() {
	for raw := range b.sub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			b.logger.Warn().Err(err).Msg("Malformed bus message")
			continue
		}

		b.mu.Lock()
		handlers := append([]func(*Message){}, b.handlers...)
		b.mu.Unlock()

		for _, handler := range handlers {
			handler(&msg)
		}
	}
}
