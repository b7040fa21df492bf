// Package store persists a Doc's updates to an embedded SQLite file:
// an append-only update log plus a small upsertable metadata table.
// Grounded on the teacher's postgresRepository shape (open a
// database/sql handle, create tables if absent, serialise access
// behind a lock) but swapped to an embedded, single-writer journal
// matching a document's actual durability requirement — one file per
// room, flushed on every write, replayed on reopen.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/crdtdoc"
	"github.com/jbdyn/elva/internal/elvaerr"
)

// DefaultQueueSize bounds the in-memory write queue. Chosen generously:
// a backlog this deep means the writer goroutine is badly behind, which
// is itself worth surfacing rather than growing unbounded.
const DefaultQueueSize = 65543

const schema = `
CREATE TABLE IF NOT EXISTS yupdates (yupdate BLOB);
CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT);
`

// Store is a Component that replays a document's update journal on
// startup and appends every subsequent update to it, draining its
// write queue before ever reaching StateNone.
type Store struct {
	*component.Component

	Path       string
	Identifier string

	doc    *crdtdoc.Doc
	logger *zap.Logger

	mu        sync.Mutex
	db        *sql.DB
	writeCh   chan []byte
	writerWg  sync.WaitGroup
	unobserve func()
}

// New creates a Store bound to doc, backed by the SQLite file at path.
// If identifier is non-empty it is recorded (and overwrites) the
// metadata identifier on open; otherwise the identifier already on
// disk, if any, is read back and exposed via Identifier.
func New(path, identifier string, doc *crdtdoc.Doc, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		Path:       path,
		Identifier: identifier,
		doc:        doc,
		logger:     logger.Named("store"),
		writeCh:    make(chan []byte, DefaultQueueSize),
	}
	s.Component = component.New("store", component.Hooks{
		Before:  s.before,
		Run:     s.run,
		Cleanup: s.cleanup,
	}, logger)
	return s
}

func (s *Store) before(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.Path)
	if err != nil {
		return elvaerr.Wrap(elvaerr.Persistence, "store.open", s.Path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return elvaerr.Wrap(elvaerr.Persistence, "store.migrate", s.Path, err)
	}
	s.db = db

	if err := s.initIdentifier(ctx); err != nil {
		db.Close()
		return elvaerr.Wrap(elvaerr.Persistence, "store.initIdentifier", s.Path, err)
	}

	if err := s.read(ctx); err != nil {
		db.Close()
		return elvaerr.Wrap(elvaerr.Persistence, "store.read", s.Path, err)
	}

	// Attached only after read() completes, so journal replay can never
	// race with a live transaction also trying to append to the log.
	s.unobserve = s.doc.Observe(func(update []byte, origin crdtdoc.Origin) {
		if crdtdoc.IsSentinel(update) {
			return
		}
		s.Write(update)
	})

	s.writerWg.Add(1)
	go s.drainWriter()

	return nil
}

func (s *Store) initIdentifier(ctx context.Context) error {
	if s.Identifier != "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO metadata(key, value) VALUES('identifier', ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, s.Identifier)
		if err != nil {
			return fmt.Errorf("store: upsert identifier: %w", err)
		}
		return nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'identifier'`)
	var existing string
	if err := row.Scan(&existing); err == nil {
		s.Identifier = existing
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("store: read identifier: %w", err)
	}
	return nil
}

// EnsureIdentifier returns the identifier already known to this Store
// (either passed to New or read back from a prior run's metadata). If
// none is known yet, it mints one with gen, persists it to metadata,
// and returns that instead, so the same Store answers to the same
// identifier on every subsequent call and every future run.
func (s *Store) EnsureIdentifier(ctx context.Context, gen func() string) (string, error) {
	if s.Identifier != "" {
		return s.Identifier, nil
	}
	id := gen()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata(key, value) VALUES('identifier', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, id); err != nil {
		return "", fmt.Errorf("store: persist generated identifier: %w", err)
	}
	s.Identifier = id
	return s.Identifier, nil
}

// read streams yupdates in insertion order and applies each to the
// attached Doc, reconstructing the replica's state from the journal.
func (s *Store) read(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT yupdate FROM yupdates ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("store: read journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return fmt.Errorf("store: scan journal row: %w", err)
		}
		if err := s.doc.Apply(update); err != nil {
			s.logger.Warn("dropping unreadable journal row", zap.Error(err))
		}
	}
	return rows.Err()
}

func (s *Store) run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// drainWriter is the single writer task: every update that reaches
// writeCh is committed before the next is read, and the loop only ends
// once writeCh is closed and fully drained.
func (s *Store) drainWriter() {
	defer s.writerWg.Done()
	for update := range s.writeCh {
		if _, err := s.db.Exec(`INSERT INTO yupdates(yupdate) VALUES (?)`, update); err != nil {
			s.logger.Error("failed to persist update", zap.Error(elvaerr.Wrap(elvaerr.Persistence, "store.write", s.Path, err)))
		}
	}
}

// Write enqueues update for durable persistence. Safe to call
// concurrently; blocks if the queue is full.
func (s *Store) Write(update []byte) {
	s.mu.Lock()
	ch := s.writeCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- update
}

// cleanup drains any remaining queued updates before closing the
// database. Runs with cancellation shielded by the component runtime,
// so this always completes even while the process is shutting down —
// the core durability invariant: an update observed by the store is
// persisted before the component reaches state NONE.
func (s *Store) cleanup(ctx context.Context) error {
	if s.unobserve != nil {
		s.unobserve()
	}

	s.mu.Lock()
	ch := s.writeCh
	s.writeCh = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	s.writerWg.Wait()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetMetadata reads the metadata table of a store file that is not
// currently open as a running component.
func GetMetadata(path string) (map[string]string, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: create tables: %w", err)
	}

	rows, err := db.Query(`SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("store: read metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan metadata row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetMetadata upserts kv into the metadata table of path. If replace is
// true, any existing key absent from kv is deleted first.
func SetMetadata(path string, kv map[string]string, replace bool) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: create tables: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin metadata tx: %w", err)
	}
	defer tx.Rollback()

	if replace {
		keep := make([]interface{}, 0, len(kv))
		placeholders := ""
		for k := range kv {
			if placeholders != "" {
				placeholders += ","
			}
			placeholders += "?"
			keep = append(keep, k)
		}
		query := "DELETE FROM metadata"
		if len(keep) > 0 {
			query += fmt.Sprintf(" WHERE key NOT IN (%s)", placeholders)
		}
		if _, err := tx.Exec(query, keep...); err != nil {
			return fmt.Errorf("store: replace metadata: %w", err)
		}
	}

	for k, v := range kv {
		if _, err := tx.Exec(
			`INSERT INTO metadata(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("store: upsert metadata key %q: %w", k, err)
		}
	}

	return tx.Commit()
}
