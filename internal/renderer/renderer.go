// Package renderer materialises a CRDT text object to a plain file on
// disk, atomically from the caller's perspective. Grounded on the
// write-to-temp-then-rename idiom used throughout the corpus for
// durable single-file writes (e.g. the offline fetch cache's flush
// path), generalised into a scoped component with an optional debounce.
package renderer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/crdtdoc"
	"github.com/jbdyn/elva/internal/store"
)

// Options configure a Renderer.
type Options struct {
	OutputPath string
	Text       crdtdoc.TextHandle

	// Debounce, if non-zero, coalesces bursts of renders triggered by
	// Trigger into one write, made once no Trigger has arrived for this
	// long, instead of one per call.
	Debounce time.Duration

	// StorePath, if set, records rendered_at/byte_length metadata into
	// that store's database after every successful flush.
	StorePath string

	Logger *zap.Logger
}

// Renderer is a scoped component owning one output path. It renders
// once on run() startup and once more on cleanup(), guaranteeing the
// file on disk reflects the document's state at both the start and
// the end of its lifetime; callers that want live updates call
// Trigger as the document changes.
type Renderer struct {
	*component.Component

	path      string
	text      crdtdoc.TextHandle
	debounce  time.Duration
	storePath string
	logger    *zap.Logger

	mu        sync.Mutex
	lastFlush time.Time

	triggerCh chan struct{}
}

// New creates a Renderer. Start/Stop drive its lifecycle like any
// other component.
func New(opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Renderer{
		path:      opts.OutputPath,
		text:      opts.Text,
		debounce:  opts.Debounce,
		storePath: opts.StorePath,
		logger:    opts.Logger.Named("renderer"),
		triggerCh: make(chan struct{}, 1),
	}
	r.Component = component.New("renderer", component.Hooks{
		Before:  r.before,
		Run:     r.run,
		Cleanup: r.cleanup,
	}, opts.Logger)
	return r
}

func (r *Renderer) before(ctx context.Context) error {
	return r.flush()
}

func (r *Renderer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.triggerCh:
			if r.debounce > 0 {
				timer := time.NewTimer(r.debounce)
				draining := true
				for draining {
					select {
					case <-r.triggerCh:
						timer.Reset(r.debounce)
					case <-timer.C:
						draining = false
					case <-ctx.Done():
						timer.Stop()
						return ctx.Err()
					}
				}
			}
			if err := r.flush(); err != nil {
				r.logger.Warn("render flush failed", zap.Error(err))
			}
		}
	}
}

func (r *Renderer) cleanup(ctx context.Context) error {
	return r.flush()
}

// Trigger requests a render. With no debounce configured the next
// run() loop iteration flushes immediately; with a debounce configured
// repeated triggers within the window coalesce into a single write.
func (r *Renderer) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Renderer) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	content := r.text.Value()

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".renderer-*.tmp")
	if err != nil {
		return fmt.Errorf("renderer: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("renderer: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("renderer: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renderer: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renderer: rename into place: %w", err)
	}
	if df, err := os.Open(dir); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}

	r.lastFlush = time.Now()

	if r.storePath != "" {
		meta := map[string]string{
			"rendered_at": r.lastFlush.UTC().Format(time.RFC3339Nano),
			"byte_length": strconv.Itoa(len(content)),
		}
		if err := store.SetMetadata(r.storePath, meta, false); err != nil {
			r.logger.Warn("failed to record render metadata", zap.Error(err))
		}
	}

	return nil
}

// LastFlush reports when the output file was last written.
func (r *Renderer) LastFlush() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFlush
}
