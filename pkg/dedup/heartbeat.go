package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// HeartbeatInterval is the period between task-heartbeat broadcasts
	// for a locally owned fetch.
	HeartbeatInterval = 500 * time.Millisecond

	// LivenessWindow is the maximum heartbeat-record age for a remote
	// owner to count as alive.
	LivenessWindow = 2 * HeartbeatInterval
)

// heartbeatRecord tracks the latest heartbeat seen for a key.
type heartbeatRecord struct {
	timestamp int64 // ms since epoch, from the message
	ownerID   string
}

// HeartbeatManager tracks remote owners' heartbeats and broadcasts
// heartbeats for fetches owned by this instance.
type HeartbeatManager struct {
	bus     Bus
	ownerID string
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	remote map[string]heartbeatRecord
	local  map[string]chan struct{}
	closed bool
}

// NewHeartbeatManager creates a manager publishing under ownerID and
// subscribes it to the bus.
func NewHeartbeatManager(bus Bus, ownerID string, logger zerolog.Logger) *HeartbeatManager {
	h := &HeartbeatManager{
		bus:     bus,
		ownerID: ownerID,
		logger:  logger,
		now:     time.Now,
		remote:  make(map[string]heartbeatRecord),
		local:   make(map[string]chan struct{}),
	}
	bus.Subscribe(h.handleMessage)
	return h
}

// handleMessage maintains the remote heartbeat table. Own broadcasts are
// ignored: a local fetch must not look like a live peer.
func (h *HeartbeatManager) handleMessage(msg *Message) {
	if msg.OwnerID == h.ownerID {
		return
	}

	switch msg.Type {
	case MsgTaskHeartbeat:
		h.mu.Lock()
		h.remote[msg.Key] = heartbeatRecord{timestamp: msg.Timestamp, ownerID: msg.OwnerID}
		h.mu.Unlock()
	case MsgTaskEnd:
		h.mu.Lock()
		if record, ok := h.remote[msg.Key]; ok && record.ownerID == msg.OwnerID {
			delete(h.remote, msg.Key)
		}
		h.mu.Unlock()
	}
}

// StartHeartbeat begins broadcasting task-heartbeat for a key every
// HeartbeatInterval until EndHeartbeat.
func (h *HeartbeatManager) StartHeartbeat(key string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, ok := h.local[key]; ok {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.local[key] = stop
	h.mu.Unlock()

	h.beat(key)
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.beat(key)
			}
		}
	}()
}

// EndHeartbeat stops the local heartbeat for a key and broadcasts
// task-end.
func (h *HeartbeatManager) EndHeartbeat(key string) {
	h.mu.Lock()
	stop, ok := h.local[key]
	if ok {
		delete(h.local, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	close(stop)
	err := h.bus.Publish(context.Background(), &Message{
		Type:    MsgTaskEnd,
		Key:     key,
		OwnerID: h.ownerID,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("Could not broadcast task end")
	}
}

// IsOwnerAlive reports whether a remote owner's heartbeat for the key is
// younger than the liveness window.
func (h *HeartbeatManager) IsOwnerAlive(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.remote[key]
	if !ok {
		return false
	}
	return h.now().UnixMilli()-record.timestamp < LivenessWindow.Milliseconds()
}

// Dispose ends all local heartbeats, clears the tables, and closes the
// bus. Called on instance teardown.
func (h *HeartbeatManager) Dispose() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	keys := make([]string, 0, len(h.local))
	for key := range h.local {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		h.EndHeartbeat(key)
	}

	h.mu.Lock()
	h.remote = make(map[string]heartbeatRecord)
	h.mu.Unlock()

	if err := h.bus.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("Could not close bus")
	}
}

func (h *HeartbeatManager) beat(key string) {
	err := h.bus.Publish(context.Background(), &Message{
		Type:      MsgTaskHeartbeat,
		Key:       key,
		OwnerID:   h.ownerID,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("Could not broadcast heartbeat")
	}
}
