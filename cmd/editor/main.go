// Command editor is the reference client binary: it binds a CRDT
// document to one identifier on a relay, keeps a local file
// materialised from the document's text, and optionally journals
// updates to disk so it can rejoin offline edits on the next run.
// Grounded on cmd/cli/main.go's cobra single-command shape and, for
// startup ordering, internal/room.Room's reconstruct-before-serving
// discipline: the local Store (if any) loads before the Provider ever
// dials, so reconnect traffic lands on an already-caught-up document.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbdyn/elva/internal/config"
	"github.com/jbdyn/elva/internal/crdtdoc"
	"github.com/jbdyn/elva/internal/elvaerr"
	"github.com/jbdyn/elva/internal/provider"
	"github.com/jbdyn/elva/internal/renderer"
	"github.com/jbdyn/elva/internal/store"
)

func main() {
	var (
		identifier  string
		output      string
		persistDir  string
		multiplexed bool
		user        string
		password    string
		dummy       bool
		verbose     bool
		renderDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "editor host port",
		Short: "Join a document on a relay and keep it rendered to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			persistent := cmd.Flags().Changed("persistent")
			if identifier == "" && !persistent {
				return fmt.Errorf("--identifier is required unless --persistent is set: there would be nowhere to persist a generated one")
			}
			if output == "" {
				return fmt.Errorf("--output is required")
			}

			host, port := args[0], args[1]

			cfg := config.Load()
			logger, err := newLogger(verbose, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var storePath string
			if persistent {
				if err := os.MkdirAll(persistDir, 0o755); err != nil {
					return fmt.Errorf("create persistence dir: %w", err)
				}
				// An identifier-less journal can't name its file after an
				// identifier it doesn't have yet; the generated identifier
				// that Store.EnsureIdentifier assigns below lives in this
				// file's own metadata instead, so the same session.db is
				// found again on the next run.
				name := "session.db"
				if identifier != "" {
					name = sanitize(identifier) + ".db"
				}
				storePath = filepath.Join(persistDir, name)
			}

			if dummy && (user != "" || password != "") {
				return fmt.Errorf("--dummy and --user/--password are mutually exclusive")
			}

			doc := crdtdoc.New(uuid.New().String())

			var st *store.Store
			if persistent {
				st = store.New(storePath, identifier, doc, logger)
			}

			ctx, cancel := context.WithCancel(context.Background())

			// Store reconstructs the document from its journal before
			// the provider is allowed to dial, so a reconnect never
			// races a write against an empty replica.
			if st != nil {
				if err := st.Start(ctx); err != nil {
					cancel()
					logStartupFailure(logger, "start store", err)
					return fmt.Errorf("start store: %w", err)
				}
				// No --identifier and no identifier already on disk: mint
				// one now and persist it, so the client answers to the
				// same identifier on every future run of this journal.
				identifier, err = st.EnsureIdentifier(ctx, func() string { return uuid.New().String() })
				if err != nil {
					cancel()
					stopStore(st)
					return fmt.Errorf("assign identifier: %w", err)
				}
			}

			header := http.Header{}
			if user != "" {
				header.Set("Authorization", basicAuthHeader(user, password))
			}

			scheme := "ws"
			path := fmt.Sprintf("/rooms/%s", identifier)
			if multiplexed {
				path = "/"
			}
			serverURL := fmt.Sprintf("%s://%s:%s%s", scheme, host, port, path)

			prov := provider.New(doc, provider.Options{
				Identifier:  identifier,
				ServerURL:   serverURL,
				Multiplexed: multiplexed,
				Header:      header,
				Logger:      logger,
			})

			rend := renderer.New(renderer.Options{
				OutputPath: output,
				Text:       doc.Text("body"),
				Debounce:   renderDelay,
				StorePath:  storePath,
				Logger:     logger,
			})

			unobs := doc.Observe(func(update []byte, origin crdtdoc.Origin) {
				rend.Trigger()
			})
			defer unobs()

			if err := rend.Start(ctx); err != nil {
				cancel()
				stopStore(st)
				return fmt.Errorf("start renderer: %w", err)
			}
			if err := prov.Start(ctx); err != nil {
				cancel()
				rend.Stop()
				stopStore(st)
				return fmt.Errorf("start provider: %w", err)
			}

			logger.Info("editor joined document", zap.String("identifier", identifier), zap.String("server", serverURL))

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			logger.Info("shutting down")

			cancel()
			prov.Stop()
			rend.Stop()
			stopStore(st)
			logger.Info("stopped cleanly")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&identifier, "identifier", "", "document identifier to join (required unless --persistent is set, in which case a fresh one is generated and persisted)")
	flags.StringVar(&output, "output", "", "local file path to keep rendered (required)")
	flags.StringVar(&persistDir, "persistent", "./elva-editor-data", "enable a durable local journal, optionally under DIR")
	flags.Lookup("persistent").NoOptDefVal = "./elva-editor-data"
	flags.BoolVar(&multiplexed, "multiplexed", false, "dial the multiplexed endpoint at / instead of /rooms/<identifier>")
	flags.StringVar(&user, "user", "", "username sent as HTTP Basic credentials to the relay")
	flags.StringVar(&password, "password", "", "password sent as HTTP Basic credentials to the relay")
	flags.BoolVar(&dummy, "dummy", false, "connect without sending any authentication header")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	flags.DurationVar(&renderDelay, "render-debounce", 250*time.Millisecond, "coalesce bursts of edits into one render after this much quiet")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger picks development vs. production encoding from -v, then
// applies level as the minimum enabled level on top of that baseline.
func newLogger(verbose bool, level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func basicAuthHeader(user, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return "Basic " + token
}

// sanitize keeps journal filenames flat even for identifiers that
// contain path separators.
func sanitize(identifier string) string {
	out := make([]rune, 0, len(identifier))
	for _, r := range identifier {
		if r == '/' || r == '\\' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}

// logStartupFailure surfaces the taxonomy category behind a startup
// error, when there is one, so operators can tell a persistence
// failure (bad journal path, disk full) apart from anything else
// without parsing the message text.
func logStartupFailure(logger *zap.Logger, op string, err error) {
	var e *elvaerr.Error
	if errors.As(err, &e) {
		logger.Error(op+" failed", zap.String("category", string(e.Category)), zap.Error(err))
		return
	}
	logger.Error(op+" failed", zap.Error(err))
}

// stopStore stops st if a local journal was configured; a nil Store
// means --persistent was never passed.
func stopStore(st *store.Store) {
	if st != nil {
		_ = st.Stop()
	}
}
