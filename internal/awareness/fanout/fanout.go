// Package fanout broadcasts per-client awareness changes across relay
// processes over Redis pub/sub, grounded on the teacher's
// cmd/simple-api publishRedisMessage/subscriber pattern (a bare
// redis.Client.Publish call on a fixed channel name). Disabled by
// default: a relay with a single process has no need for it, and
// internal/awareness.Map works standalone without this package.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/awareness"
)

// channelFor names the pub/sub channel for one document's awareness
// traffic, mirroring the teacher's convention of a single fixed
// channel per logical topic.
func channelFor(identifier string) string {
	return "elva:awareness:" + identifier
}

// message is the wire shape published and received on the channel.
type message struct {
	ClientID string          `json:"client_id"`
	Clock    uint64          `json:"clock"`
	Fields   json.RawMessage `json:"fields"`
	Removed  bool            `json:"removed"`
}

// Fanout relays one Map's local changes to Redis and applies remote
// changes it receives back into the same Map.
type Fanout struct {
	client     *redis.Client
	identifier string
	logger     *zap.Logger
}

// New wires m to Redis pub/sub on client. Call Start to begin relaying;
// the caller owns the client's lifetime (Close it when done).
func New(client *redis.Client, identifier string, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{client: client, identifier: identifier, logger: logger.Named("awareness-fanout")}
}

// Start subscribes to the shared channel and attaches a local observer
// that publishes every local change, mirroring local<->remote so both
// directions stay in sync. Returns an unsubscribe/stop function.
func (f *Fanout) Start(ctx context.Context, m *awareness.Map) func() {
	sub := f.client.Subscribe(ctx, channelFor(f.identifier))
	ch := sub.Channel()

	var mu sync.Mutex
	applyingRemote := false

	go func() {
		for msg := range ch {
			var m2 message
			if err := json.Unmarshal([]byte(msg.Payload), &m2); err != nil {
				f.logger.Debug("dropping malformed awareness fanout message", zap.Error(err))
				continue
			}
			// The flag is set and cleared under mu, but mu is not held
			// across the apply: the observer below runs synchronously
			// inside Set/Remove and takes mu itself.
			mu.Lock()
			applyingRemote = true
			mu.Unlock()
			if m2.Removed {
				m.Remove(m2.ClientID)
			} else {
				m.Set(m2.ClientID, m2.Clock, m2.Fields)
			}
			mu.Lock()
			applyingRemote = false
			mu.Unlock()
		}
	}()

	unobserve := m.Observe(func(clientID string, clock uint64, fields json.RawMessage, removed bool) {
		mu.Lock()
		skip := applyingRemote
		mu.Unlock()
		if skip {
			// This change is being applied from the channel above, not
			// typed locally; republishing it would echo it straight
			// back to every other subscriber.
			return
		}
		payload, err := json.Marshal(message{ClientID: clientID, Clock: clock, Fields: fields, Removed: removed})
		if err != nil {
			return
		}
		if err := f.client.Publish(ctx, channelFor(f.identifier), payload).Err(); err != nil {
			f.logger.Debug("failed to publish awareness change", zap.Error(err))
		}
	})

	return func() {
		unobserve()
		sub.Close()
	}
}
