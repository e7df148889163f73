package policysync

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/navesadeh/full-cache/pkg/policy"
)

// dispatcher is the capability shared by the stream and poll transports:
// deliver a CachePolicy by value when it changes. Both variants funnel
// through one dispatcher, so the receiver cannot observe which transport
// produced a policy, and identical deliveries (heartbeat-style re-sends)
// collapse to one notification.
type dispatcher struct {
	mu            sync.Mutex
	lastdelivered string
	onReceive     func(*policy.CachePolicy)
	logger        zerolog.Logger
}

// deliver forwards p to the receiver iff it is structurally different from
// the last delivered value, by canonical JSON comparison. encoding/json
// emits struct fields in declaration order and map keys sorted, so the
// marshaled form is canonical.
func (d *dispatcher) deliver(transport string, p *policy.CachePolicy) {
	canonical, err := json.Marshal(p)
	if err != nil {
		d.logger.Warn().Err(err).Str("transport", transport).Msg("Could not canonicalize policy")
		return
	}

	d.mu.Lock()
	if d.lastdelivered == string(canonical) {
		d.mu.Unlock()
		d.logger.Debug().Str("transport", transport).Msg("Unchanged policy, skipping delivery")
		return
	}
	d.lastdelivered = string(canonical)
	d.mu.Unlock()

	d.logger.Debug().Str("transport", transport).Msg("Delivering policy")
	if d.onReceive != nil {
		d.onReceive(p)
	}
}
