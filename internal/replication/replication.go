// Package replication implements inter-relay update fan-out over NATS,
// letting several relay processes serve the same document identifier
// behind a load balancer without each holding its own diverging copy.
// Grounded on the teacher's cmd/simple-api publishNATSMessage/
// subscribeNATSSubject pair (a bare nats.Conn.Publish/Subscribe on a
// caller-supplied subject string).
package replication

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Replicator implements internal/room.Replicator over a shared NATS
// connection.
type Replicator struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// New wraps an already-connected *nats.Conn. The caller owns the
// connection's lifetime.
func New(nc *nats.Conn, logger *zap.Logger) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{nc: nc, logger: logger.Named("replication")}
}

func subject(identifier string) string {
	return "elva.room." + identifier
}

// Publish fans an update out to every other relay subscribed to the
// same identifier's subject.
func (r *Replicator) Publish(ctx context.Context, identifier string, update []byte) error {
	if err := r.nc.Publish(subject(identifier), update); err != nil {
		return fmt.Errorf("replication: publish %s: %w", identifier, err)
	}
	return nil
}

// Subscribe registers onUpdate for every update published to
// identifier's subject by any relay, this one included — callers are
// responsible for not re-publishing what they receive here, which is
// exactly what internal/room.Room's onReplicatedUpdate path does.
func (r *Replicator) Subscribe(ctx context.Context, identifier string, onUpdate func(update []byte)) (func(), error) {
	sub, err := r.nc.Subscribe(subject(identifier), func(msg *nats.Msg) {
		onUpdate(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("replication: subscribe %s: %w", identifier, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("failed to unsubscribe", zap.Error(err))
		}
	}, nil
}
