// Package provider implements the client-side half of the sync
// protocol: it binds a CRDT document to one identifier on one relay
// and keeps them converged across reconnects. Grounded on the
// relay-side internal/room.Room — a Provider is a Room's mirror image,
// running inside the editor process instead of the relay.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/codec"
	"github.com/jbdyn/elva/internal/codec/compress"
	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/connection"
	"github.com/jbdyn/elva/internal/crdtdoc"
)

// originLocalApply tags transactions produced while this Provider is
// applying a frame it received from the network, so its own observer
// doesn't turn straight around and re-send what it just received.
const originLocalApply = crdtdoc.OriginRemoteApply

// AwarenessSink receives AWARENESS payloads delivered over the wire.
// Optional; a nil sink silently drops them.
type AwarenessSink func(state []byte)

// Options configure a Provider.
type Options struct {
	Identifier  string
	ServerURL   string
	Multiplexed bool
	// Header is sent with every (re)connection attempt, e.g. a Basic or
	// Bearer Authorization header matching the relay's auth.Hook.
	Header      http.Header
	Awareness   AwarenessSink
	Logger      *zap.Logger
}

// Provider binds (Doc, identifier, server_uri) and drives a
// reconnecting Connection to keep the document converged with a
// relay's Room of the same identifier.
type Provider struct {
	*component.Component

	doc         *crdtdoc.Doc
	identifier  string
	multiplexed bool
	awareness   AwarenessSink
	logger      *zap.Logger

	mu    sync.Mutex
	unobs func()
	conn  *connection.Connection
}

// New creates a Provider. The Connection is constructed here but only
// started when the Provider itself starts, so the Provider's lifetime
// fully owns the underlying transport's lifetime.
func New(doc *crdtdoc.Doc, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Provider{
		doc:         doc,
		identifier:  opts.Identifier,
		multiplexed: opts.Multiplexed,
		awareness:   opts.Awareness,
		logger:      opts.Logger.Named("provider"),
	}
	p.conn = connection.New(
		connection.Options{URL: opts.ServerURL, Header: opts.Header},
		p.onConnect,
		p.onRecv,
		nil,
		opts.Logger,
	)
	p.Component = component.New("provider", component.Hooks{
		Before:  p.before,
		Run:     p.run,
		Cleanup: p.cleanup,
	}, opts.Logger)
	return p
}

// Connection exposes the underlying reconnecting transport, mainly
// for tests that need to observe its Phase.
func (p *Provider) Connection() *connection.Connection { return p.conn }

func (p *Provider) before(ctx context.Context) error {
	p.mu.Lock()
	p.unobs = p.doc.Observe(p.onLocalCommit)
	p.mu.Unlock()
	return p.conn.Start(ctx)
}

func (p *Provider) run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *Provider) cleanup(ctx context.Context) error {
	p.mu.Lock()
	unobs := p.unobs
	p.unobs = nil
	p.mu.Unlock()
	if unobs != nil {
		unobs()
	}
	return p.conn.Stop()
}

// onConnect runs proactive cross sync: announce local state, then
// immediately push every local update so the relay doesn't have to
// ask for it.
func (p *Provider) onConnect(ctx context.Context, send func([]byte) error) {
	p.sendFrame(send, codec.SyncStep1, p.doc.State())
	p.sendFrame(send, codec.SyncStep2, p.doc.Diff(crdtdoc.Sentinel))
}

func (p *Provider) onRecv(frame []byte) {
	inner := frame
	if p.multiplexed {
		id, n, err := codec.DecodeID(frame)
		if err != nil {
			p.logger.Debug("dropping frame with malformed id prefix", zap.Error(err))
			return
		}
		if id != p.identifier {
			p.logger.Debug("dropping frame for foreign identifier", zap.String("id", id), zap.String("want", p.identifier))
			return
		}
		inner = frame[n:]
	}

	typ, payload, _, err := codec.InferAndDecode(inner)
	if err != nil {
		p.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch typ {
	case codec.SyncStep1:
		peerState, derr := compress.Decode(payload)
		if derr != nil {
			p.logger.Debug("dropping frame with malformed compression envelope", zap.Error(derr))
			return
		}
		p.replyWithDiff(peerState)
	case codec.SyncStep2, codec.SyncUpdate:
		update, derr := compress.Decode(payload)
		if derr != nil {
			p.logger.Debug("dropping frame with malformed compression envelope", zap.Error(derr))
			return
		}
		p.applyUpdate(update)
	case codec.SyncCross:
		update, state, err := codec.DecodeCrossPayload(payload)
		if err != nil {
			p.logger.Debug("dropping malformed SYNC_CROSS payload", zap.Error(err))
			return
		}
		p.applyUpdate(update)
		p.replyWithDiff(state)
	case codec.Awareness:
		if p.awareness != nil {
			p.awareness(payload)
		}
	default:
		p.logger.Debug("dropping unexpected message type", zap.Stringer("type", typ))
	}
}

func (p *Provider) replyWithDiff(peerState []byte) {
	diff := p.doc.Diff(peerState)
	p.sendFrame(p.conn.Send, codec.SyncStep2, diff)
}

func (p *Provider) applyUpdate(update []byte) {
	if crdtdoc.IsSentinel(update) {
		return
	}
	if err := p.doc.Apply(update); err != nil {
		p.logger.Debug("discarding update that failed to apply", zap.Error(err))
	}
}

// onLocalCommit is the Doc observer: every committed transaction not
// tagged as having come from Apply itself is forwarded to the relay.
func (p *Provider) onLocalCommit(update []byte, origin crdtdoc.Origin) {
	if origin == originLocalApply {
		return
	}
	if crdtdoc.IsSentinel(update) {
		return
	}
	p.sendFrame(p.conn.Send, codec.SyncUpdate, update)
}

func (p *Provider) sendFrame(send func([]byte) error, typ codec.MessageType, payload []byte) {
	envelope, err := compress.Encode(payload)
	if err != nil {
		p.logger.Debug("failed to compress outgoing payload", zap.Error(err))
		return
	}
	frame, err := codec.Encode(typ, envelope)
	if err != nil {
		p.logger.Debug("failed to encode outgoing frame", zap.Error(err))
		return
	}
	if p.multiplexed {
		frame = codec.WrapWithID(p.identifier, frame)
	}
	if err := send(frame); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		p.logger.Debug("failed to send frame", zap.Error(err))
	}
}
