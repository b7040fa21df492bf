// Command relay runs the collaborative-editing relay server: it
// accepts WebSocket connections, multiplexes them into per-document
// rooms, and optionally journals every update to disk and replicates
// it across other relay processes. Grounded on the teacher's
// cmd/api/main.go (gin router assembly, http.Server with explicit
// timeouts, SIGINT/SIGTERM-triggered graceful shutdown) and
// cmd/cli/main.go's cobra command tree, merged into one binary per the
// CLI surface described for the server and editor reference binaries:
// host/port positional, --persistent [DIR], --ldap REALM SERVER BASE,
// --dummy, -v/--verbose.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/jbdyn/elva/internal/auth"
	"github.com/jbdyn/elva/internal/config"
	"github.com/jbdyn/elva/internal/registry"
	"github.com/jbdyn/elva/internal/relay"
	"github.com/jbdyn/elva/internal/replication"
	"github.com/jbdyn/elva/pkg/metrics"
)

// ldapArgs parses the spec's three-value "--ldap REALM SERVER BASE"
// flag as one quoted, space-separated pflag value, since pflag has no
// native nargs-3 flag the way Python's argparse does.
type ldapArgs struct {
	realm, server, base string
	isSet               bool
}

func (l *ldapArgs) String() string {
	if !l.isSet {
		return ""
	}
	return fmt.Sprintf("%s %s %s", l.realm, l.server, l.base)
}

func (l *ldapArgs) Set(v string) error {
	var realm, server, base, extra string
	if n, _ := fmt.Sscanf(v, "%s %s %s %s", &realm, &server, &base, &extra); n != 3 {
		return fmt.Errorf("--ldap requires exactly 3 space-separated values: REALM SERVER BASE")
	}
	l.realm, l.server, l.base = realm, server, base
	l.isSet = true
	return nil
}

func (l *ldapArgs) Type() string { return "\"REALM SERVER BASE\"" }

// stubLDAPDialer is the reference implementation's bind: it always
// fails, since no LDAP client library ships in this module (see
// internal/auth.LDAPDialer). Operators who need real LDAP wire their
// own dialer and call internal/auth.LDAP directly from a fork of this
// command.
type stubLDAPDialer struct{}

func (stubLDAPDialer) Bind(realm, server, base, username, password string) error {
	return fmt.Errorf("ldap: no directory client configured for realm %q", realm)
}

func main() {
	var (
		persistDir  string
		dummy       bool
		ldap        ldapArgs
		verbose     bool
		multiplexed bool
	)

	cmd := &cobra.Command{
		Use:   "relay host port",
		Short: "Run the collaborative-editing relay server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}

			cfg := config.Load()

			logger, err := newLogger(verbose, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			persistent := cmd.Flags().Changed("persistent")
			if persistent && persistDir != "" {
				if err := os.MkdirAll(persistDir, 0o755); err != nil {
					return fmt.Errorf("create persistence dir: %w", err)
				}
			}

			hook := resolveAuthHook(dummy, ldap)

			var repl *replication.Replicator
			if cfg.NATS.Enabled() {
				nc, err := nats.Connect(cfg.NATS.URL)
				if err != nil {
					return fmt.Errorf("connect NATS: %w", err)
				}
				defer nc.Close()
				repl = replication.New(nc, logger)
			}

			var reg *registry.Registry
			if cfg.Postgres.Enabled() {
				reg, err = registry.Open(cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("open registry: %w", err)
				}
				defer reg.Close()
			}

			var awareRedis *redis.Client
			if cfg.Redis.Enabled() {
				awareRedis = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr(),
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer awareRedis.Close()
			}

			stats := metrics.New(prometheus.DefaultRegisterer)

			opts := relay.Options{
				Addr:        fmt.Sprintf("%s:%d", host, port),
				Persistent:  persistent,
				StoreDir:    persistDir,
				Multiplexed: multiplexed,
				Auth:        hook,
				RateLimit:   rate.Limit(cfg.RateLimit.PerSecond),
				RateBurst:   cfg.RateLimit.Burst,
				Metrics:     stats,
				Logger:      logger,
			}
			if repl != nil {
				opts.Replicator = repl
			}
			if reg != nil {
				opts.Registry = reg
			}
			if awareRedis != nil {
				opts.AwarenessRedis = awareRedis
			}

			srv := relay.New(opts)
			ctx, cancel := context.WithCancel(context.Background())
			if err := srv.Start(ctx); err != nil {
				cancel()
				return fmt.Errorf("start relay: %w", err)
			}
			logger.Info("relay listening", zap.String("addr", srv.Addr()))

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			logger.Info("shutting down")

			cancel()
			if err := srv.Stop(); err != nil {
				return fmt.Errorf("relay stopped with error: %w", err)
			}
			logger.Info("stopped cleanly")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&persistDir, "persistent", "./elva-data", "enable durable per-room journals, optionally under DIR")
	flags.Lookup("persistent").NoOptDefVal = "./elva-data"
	flags.BoolVar(&dummy, "dummy", false, "allow every connection without authentication")
	flags.Var(&ldap, "ldap", "authenticate via LDAP bind: \"REALM SERVER BASE\"")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	flags.BoolVar(&multiplexed, "multiplexed", false, "serve the multiplexed variant on / instead of per-identifier /rooms/<id> endpoints")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger picks development vs. production encoding from -v, then
// applies level, when set, as the minimum enabled level on top. With
// ELVA_LOG_LEVEL unset config.Load leaves level empty, so -v keeps the
// development config's debug baseline; an explicit level tightens or
// loosens that baseline.
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

func resolveAuthHook(dummy bool, ldap ldapArgs) auth.Hook {
	switch {
	case ldap.isSet:
		return auth.LDAP(stubLDAPDialer{}, ldap.realm, ldap.server, ldap.base)
	case dummy:
		return auth.Dummy()
	default:
		return auth.Dummy()
	}
}
