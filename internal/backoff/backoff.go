// Package backoff implements the exponential reconnect delay used by
// Connection. Rather than a bare time.Sleep, the wait is expressed as a
// golang.org/x/time/rate limiter whose rate is retuned after every
// attempt: Wait blocks for the current backoff interval (plus any
// configured jitter), or returns early if its context is cancelled,
// which a sleep cannot do.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Config parameterises the growth curve.
type Config struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction (0..1) of additional random delay added on
	// top of the deterministic interval, so many clients reconnecting
	// after a shared outage don't all retry in lockstep.
	Jitter float64
}

// DefaultConfig matches the cadence a relay operator would expect for
// an interactive editing client: quick to retry a blip, capped well
// short of a minute.
func DefaultConfig() Config {
	return Config{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Backoff tracks the current interval and exposes it through a
// cancellable Wait.
type Backoff struct {
	cfg     Config
	limiter *rate.Limiter
	current time.Duration
}

// New creates a Backoff at its initial interval. The first Wait call
// returns immediately (the underlying limiter starts with a full
// burst), which is correct: nothing should delay the very first
// connection attempt.
func New(cfg Config) *Backoff {
	b := &Backoff{cfg: cfg, current: cfg.Initial}
	b.limiter = rate.NewLimiter(rate.Every(cfg.Initial), 1)
	return b
}

// Wait blocks until the current backoff interval elapses, or ctx is
// cancelled, then grows the interval for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	if err := b.limiter.WaitN(ctx, 1); err != nil {
		return err
	}
	b.advance()
	return nil
}

// Reset returns the interval to its initial value, called after a
// successful, sustained connection.
func (b *Backoff) Reset() {
	b.current = b.cfg.Initial
	// A fresh limiter starts with a full burst again, so the first Wait
	// after a reset returns immediately, just like the first Wait after
	// New.
	b.limiter = rate.NewLimiter(rate.Every(b.cfg.Initial), 1)
}

// Current reports the deterministic interval (pre-jitter) Wait will
// next block for.
func (b *Backoff) Current() time.Duration {
	return b.current
}

func (b *Backoff) advance() {
	next := time.Duration(float64(b.current) * b.cfg.Factor)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next
	b.limiter.SetLimit(rate.Every(b.jittered()))
	b.limiter.SetBurst(1)
}

func (b *Backoff) jittered() time.Duration {
	if b.cfg.Jitter <= 0 {
		return b.current
	}
	delta := time.Duration(rand.Float64() * b.cfg.Jitter * float64(b.current))
	return b.current + delta
}
