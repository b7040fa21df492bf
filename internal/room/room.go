// Package room implements the per-document relay unit: a CRDT replica,
// the set of connected clients, an optional Store for durability, and
// an optional Replicator for fanning updates out across relay
// processes. Grounded on the teacher's Hub/Client pattern in
// internal/api/ws/handler.go — register/unregister channels, a
// snapshot-then-iterate broadcast — generalised from one global hub to
// one Room per document identifier.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/awareness"
	"github.com/jbdyn/elva/internal/codec"
	"github.com/jbdyn/elva/internal/codec/compress"
	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/crdtdoc"
	"github.com/jbdyn/elva/internal/store"
)

// Client is the narrow surface a Room needs from a connected transport:
// enough to push an outbound frame, nothing about how it got there.
type Client interface {
	Send(frame []byte) error
}

// Replicator fans a room's applied updates out to other relay
// processes and delivers updates published by them. Nil by default;
// wiring one in (internal/replication) is opt-in.
type Replicator interface {
	Publish(ctx context.Context, identifier string, update []byte) error
	Subscribe(ctx context.Context, identifier string, onUpdate func(update []byte)) (unsubscribe func(), err error)
}

// AwarenessFanout relays a room's local presence changes to other relay
// processes and applies the changes they publish back into the same
// Map, mirroring Replicator's role for document updates. Nil by
// default; wiring one in (internal/awareness/fanout) is opt-in.
type AwarenessFanout interface {
	Start(ctx context.Context, m *awareness.Map) (stop func())
}

// Options configures a new Room.
type Options struct {
	Identifier  string
	Persistent  bool
	Multiplexed bool
	// StorePath is the SQLite journal path; required when Persistent.
	StorePath       string
	Logger          *zap.Logger
	Replicator      Replicator
	AwarenessFanout AwarenessFanout
}

// Room owns one document's replica and client set. Non-persistent rooms
// are pure broadcast relays that never touch the replica; persistent
// rooms apply and journal every update. The two modes never mix within
// one Room.
type Room struct {
	*component.Component

	Identifier  string
	persistent  bool
	multiplexed bool

	doc   *crdtdoc.Doc
	store *store.Store
	repl  Replicator
	unsub func()

	awareness      *awareness.Map
	unobserveAware func()
	fanout         AwarenessFanout
	unfanout       func()

	logger *zap.Logger

	mu           sync.Mutex
	clients      map[Client]struct{}
	awarenessIDs map[Client]string
}

// New constructs a Room. The returned Room is a Component: callers must
// Start it before Add/Process/Remove and Stop it when the room is
// retired.
func New(opts Options) *Room {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Room{
		Identifier:   opts.Identifier,
		persistent:   opts.Persistent,
		multiplexed:  opts.Multiplexed,
		doc:          crdtdoc.New(opts.Identifier),
		repl:         opts.Replicator,
		awareness:    awareness.New(),
		fanout:       opts.AwarenessFanout,
		logger:       logger.Named("room"),
		clients:      make(map[Client]struct{}),
		awarenessIDs: make(map[Client]string),
	}
	if opts.Persistent {
		r.store = store.New(opts.StorePath, opts.Identifier, r.doc, logger)
	}

	r.Component = component.New(fmt.Sprintf("room.%s", opts.Identifier), component.Hooks{
		Before:  r.before,
		Run:     r.run,
		Cleanup: r.cleanup,
	}, logger)
	return r
}

func (r *Room) before(ctx context.Context) error {
	if r.store != nil {
		if err := r.store.Start(ctx); err != nil {
			return fmt.Errorf("room %s: start store: %w", r.Identifier, err)
		}
	}
	if r.repl != nil {
		unsub, err := r.repl.Subscribe(ctx, r.Identifier, r.onReplicatedUpdate)
		if err != nil {
			if r.store != nil {
				r.store.Stop()
			}
			return fmt.Errorf("room %s: subscribe replication: %w", r.Identifier, err)
		}
		r.unsub = unsub
	}
	// One Observer drives every local rebroadcast of a presence change,
	// whatever triggered it: a frame from a directly connected client
	// (handleAwareness), a disconnect (Remove), or a change applied from
	// another relay process (the fanout subscriber below).
	r.unobserveAware = r.awareness.Observe(r.onAwarenessChange)
	if r.fanout != nil {
		r.unfanout = r.fanout.Start(ctx, r.awareness)
	}
	return nil
}

// run is idle: a Room's work is entirely driven by Process and
// Add/Remove calls from the relay's connection loops, not by a
// background task of its own.
func (r *Room) run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *Room) cleanup(ctx context.Context) error {
	if r.unsub != nil {
		r.unsub()
	}
	if r.unfanout != nil {
		r.unfanout()
	}
	if r.unobserveAware != nil {
		r.unobserveAware()
	}

	r.mu.Lock()
	r.clients = make(map[Client]struct{})
	r.awarenessIDs = make(map[Client]string)
	r.mu.Unlock()

	if r.store != nil {
		return r.store.Stop()
	}
	return nil
}

// Add registers a client to receive broadcasts from this room.
func (r *Room) Add(c Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// Remove unregisters a client. Safe to call even if it was never added.
// If the client had ever sent an awareness update, its presence is
// dropped and the removal is broadcast so peers stop showing a cursor
// for a client that is no longer there.
func (r *Room) Remove(c Client) {
	r.mu.Lock()
	delete(r.clients, c)
	clientID, hadAwareness := r.awarenessIDs[c]
	delete(r.awarenessIDs, c)
	r.mu.Unlock()

	if hadAwareness {
		r.awareness.Remove(clientID)
	}
}

// ClientCount reports the number of currently registered clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Process dispatches one inbound inner frame (ID prefix, if any,
// already stripped by the relay) from sender.
func (r *Room) Process(ctx context.Context, frame []byte, sender Client) {
	// A broadcast-only room forwards every frame verbatim: no parsing,
	// no state change, awareness included.
	if !r.persistent {
		r.broadcastExcept(frame, sender)
		return
	}

	typ, payload, _, err := codec.InferAndDecode(frame)
	if err != nil {
		r.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	if typ == codec.Awareness {
		r.handleAwareness(payload, sender)
		return
	}

	switch typ {
	case codec.SyncStep1:
		peerState, derr := compress.Decode(payload)
		if derr != nil {
			r.logger.Debug("dropping frame with malformed compression envelope", zap.Error(derr))
			return
		}
		r.handleStep1(sender, peerState)
	case codec.SyncStep2, codec.SyncUpdate:
		update, derr := compress.Decode(payload)
		if derr != nil {
			r.logger.Debug("dropping frame with malformed compression envelope", zap.Error(derr))
			return
		}
		r.handleUpdate(ctx, sender, update)
	default:
		r.logger.Debug("unhandled message type", zap.Stringer("type", typ))
	}
}

// awarenessWireMessage is the AWARENESS payload shape, shared with
// internal/awareness/fanout's cross-process message so a room's own
// traffic and its fanout traffic never need translating between them.
type awarenessWireMessage struct {
	ClientID string          `json:"client_id"`
	Clock    uint64          `json:"clock"`
	Fields   json.RawMessage `json:"fields,omitempty"`
	Removed  bool            `json:"removed,omitempty"`
}

// handleAwareness merges an incoming presence update into the room's
// Map and remembers which client sent it, so Remove can clean it up on
// disconnect. It never broadcasts directly: every accepted change runs
// through onAwarenessChange below, the single place a presence update
// turns into outbound frames, whether it came from a local client, a
// disconnect, or another relay process via fanout.
func (r *Room) handleAwareness(payload []byte, sender Client) {
	var msg awarenessWireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Debug("dropping malformed awareness payload", zap.Error(err))
		return
	}
	if msg.Removed {
		r.mu.Lock()
		delete(r.awarenessIDs, sender)
		r.mu.Unlock()
		r.awareness.Remove(msg.ClientID)
		return
	}
	r.mu.Lock()
	r.awarenessIDs[sender] = msg.ClientID
	r.mu.Unlock()
	r.awareness.Set(msg.ClientID, msg.Clock, msg.Fields)
}

// onAwarenessChange is the Map's sole Observer: it re-encodes any
// accepted change as an AWARENESS frame and broadcasts it to every
// locally connected client. Echoing it back to whichever client
// originated it is harmless — the change was already accepted, so
// re-applying it locally is a no-op for that client.
func (r *Room) onAwarenessChange(clientID string, clock uint64, fields json.RawMessage, removed bool) {
	b, err := json.Marshal(awarenessWireMessage{ClientID: clientID, Clock: clock, Fields: fields, Removed: removed})
	if err != nil {
		r.logger.Error("failed to encode awareness change", zap.Error(err))
		return
	}
	frame, err := codec.Encode(codec.Awareness, b)
	if err != nil {
		r.logger.Error("failed to encode awareness frame", zap.Error(err))
		return
	}
	r.broadcastExcept(frame, nil)
}

func (r *Room) handleStep1(sender Client, peerState []byte) {
	r.sendFrame(sender, codec.SyncStep2, r.doc.Diff(peerState))
	// Reactive cross sync: let the sender reply with its own diff too.
	r.sendFrame(sender, codec.SyncStep1, r.doc.State())
}

func (r *Room) handleUpdate(ctx context.Context, sender Client, update []byte) {
	if crdtdoc.IsSentinel(update) {
		return
	}
	if err := r.doc.Apply(update); err != nil {
		r.logger.Debug("dropping unreadable update", zap.Error(err))
		return
	}
	if r.repl != nil {
		if err := r.repl.Publish(ctx, r.Identifier, update); err != nil {
			r.logger.Warn("replication publish failed", zap.Error(err))
		}
	}
	r.broadcastUpdateExcept(update, sender)
}

// onReplicatedUpdate integrates an update delivered by another relay
// process. It is never re-published — only updates that originate from
// a directly connected client are, which breaks the echo loop back onto
// the replication bus.
func (r *Room) onReplicatedUpdate(update []byte) {
	if crdtdoc.IsSentinel(update) {
		return
	}
	if err := r.doc.Apply(update); err != nil {
		r.logger.Debug("dropping unreadable replicated update", zap.Error(err))
		return
	}
	r.broadcastUpdateExcept(update, nil)
}

func (r *Room) broadcastUpdateExcept(update []byte, sender Client) {
	envelope, err := compress.Encode(update)
	if err != nil {
		r.logger.Error("failed to compress update", zap.Error(err))
		return
	}
	frame, err := codec.Encode(codec.SyncUpdate, envelope)
	if err != nil {
		r.logger.Error("failed to encode update frame", zap.Error(err))
		return
	}
	r.broadcastExcept(frame, sender)
}

func (r *Room) sendFrame(c Client, typ codec.MessageType, payload []byte) {
	envelope, err := compress.Encode(payload)
	if err != nil {
		r.logger.Error("failed to compress payload", zap.Error(err))
		return
	}
	frame, err := codec.Encode(typ, envelope)
	if err != nil {
		r.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	r.send(c, frame)
}

func (r *Room) send(c Client, innerFrame []byte) {
	out := innerFrame
	if r.multiplexed {
		out = codec.WrapWithID(r.Identifier, innerFrame)
	}
	if err := c.Send(out); err != nil {
		r.logger.Debug("send failed", zap.Error(err))
	}
}

// broadcastExcept takes a snapshot of the client set, removes sender,
// and posts innerFrame to every remaining client. A send failure on one
// client is logged but never aborts delivery to the rest.
func (r *Room) broadcastExcept(innerFrame []byte, sender Client) {
	r.mu.Lock()
	snapshot := make([]Client, 0, len(r.clients))
	for c := range r.clients {
		if c == sender {
			continue
		}
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	out := innerFrame
	if r.multiplexed {
		out = codec.WrapWithID(r.Identifier, innerFrame)
	}
	for _, c := range snapshot {
		if err := c.Send(out); err != nil {
			r.logger.Debug("broadcast send failed", zap.Error(err))
		}
	}
}
