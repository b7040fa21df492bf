// Package relay implements the HTTP/WebSocket front door: it accepts
// connections, authenticates them pre-upgrade, applies a per-IP
// connection rate limit, and hands each connection's frames to the
// right room. Grounded on the teacher's cmd/api/main.go router
// assembly (gin.Default, middleware chain, health/metrics endpoints,
// http.Server wrapping the router with explicit timeouts) and
// internal/middleware/ratelimit.go's per-key token-bucket limiter,
// generalised from per-request HTTP rate limiting to per-IP connection
// attempts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jbdyn/elva/internal/auth"
	"github.com/jbdyn/elva/internal/awareness/fanout"
	"github.com/jbdyn/elva/internal/codec"
	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/registry"
	"github.com/jbdyn/elva/internal/room"
	"github.com/jbdyn/elva/internal/transport/wsconn"
	"github.com/jbdyn/elva/pkg/metrics"
)

// Options configures a Server.
type Options struct {
	Addr        string
	Persistent  bool
	StoreDir    string
	Multiplexed bool

	Auth auth.Hook

	// RateLimit and RateBurst bound connection attempts per client IP.
	// Zero RateLimit disables the limiter.
	RateLimit rate.Limit
	RateBurst int

	Replicator room.Replicator
	// Registry, if set, is touched with every identifier a client opens
	// or creates, so an operator-facing tool can list and label rooms
	// without opening every room's own journal.
	Registry *registry.Registry
	// AwarenessRedis, if set, is used to construct one
	// awareness/fanout.Fanout per room so presence updates cross relay
	// processes the same way document updates do via Replicator.
	AwarenessRedis *redis.Client
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Server is the relay's accept loop: one Component binding host:port,
// owning every Room it has opened.
type Server struct {
	*component.Component

	opts       Options
	logger     *zap.Logger
	auth       auth.Hook
	repl       room.Replicator
	reg        *registry.Registry
	awareRedis *redis.Client
	stats      *metrics.Metrics

	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error

	mu    sync.Mutex
	rooms map[string]*room.Room

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Server. Start it to begin listening.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hook := opts.Auth
	if hook == nil {
		hook = auth.Dummy()
	}
	s := &Server{
		opts:       opts,
		logger:     logger.Named("relay"),
		auth:       hook,
		repl:       opts.Replicator,
		reg:        opts.Registry,
		awareRedis: opts.AwarenessRedis,
		stats:      opts.Metrics,
		rooms:      make(map[string]*room.Room),
		limiters:   make(map[string]*rate.Limiter),
		serveErr:   make(chan error, 1),
	}
	s.Component = component.New("relay", component.Hooks{
		Before:  s.before,
		Run:     s.run,
		Cleanup: s.cleanup,
	}, logger)
	return s
}

func (s *Server) before(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.opts.Addr, err)
	}
	s.listener = listener

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.router = router

	router.GET("/healthz", s.handleHealthz)
	if s.stats != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	router.GET("/admin/rooms", s.handleAdminRooms)

	if s.opts.Multiplexed {
		router.GET("/", s.handleMultiplexedUpgrade)
	} else {
		router.GET("/rooms/*identifier", s.handlePlainUpgrade)
	}

	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

func (s *Server) run(ctx context.Context) error {
	go func() {
		s.serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("error during listener shutdown", zap.Error(err))
		}
		<-s.serveErr
		return ctx.Err()
	case err := <-s.serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make([]*room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		snapshot = append(snapshot, r)
	}
	s.rooms = make(map[string]*room.Room)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range snapshot {
		wg.Add(1)
		go func(r *room.Room) {
			defer wg.Done()
			if err := r.Stop(); err != nil {
				s.logger.Warn("room stop failed", zap.String("room", r.Identifier), zap.Error(err))
			}
		}(r)
	}
	wg.Wait()
	return nil
}

// Addr reports the listener's bound address, useful when Options.Addr
// used port 0 for an ephemeral port in tests.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type roomSummary struct {
	Identifier string `json:"identifier"`
	Clients    int    `json:"clients"`
}

func (s *Server) handleAdminRooms(c *gin.Context) {
	s.mu.Lock()
	summaries := make([]roomSummary, 0, len(s.rooms))
	for id, r := range s.rooms {
		summaries = append(summaries, roomSummary{Identifier: id, Clients: r.ClientCount()})
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, summaries)
}

// checkAuth runs the authentication hook and, on rejection, writes the
// response and reports false.
func (s *Server) checkAuth(c *gin.Context) bool {
	res := s.auth(c.Request.URL.Path, c.Request.Header)
	if res.Allowed {
		return true
	}
	if s.stats != nil {
		s.stats.HandshakeRejected(res.Status)
	}
	c.AbortWithStatusJSON(res.Status, gin.H{"error": res.Reason})
	return false
}

// checkRate enforces the per-IP connection-attempt limiter, if
// configured.
func (s *Server) checkRate(c *gin.Context) bool {
	if s.opts.RateLimit <= 0 {
		return true
	}
	if s.limiterFor(c.ClientIP()).Allow() {
		return true
	}
	if s.stats != nil {
		s.stats.HandshakeRejected(http.StatusTooManyRequests)
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
	return false
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst)
		s.limiters[ip] = lim
	}
	return lim
}

func (s *Server) handlePlainUpgrade(c *gin.Context) {
	identifier := lastPathSegment(c.Param("identifier"))
	if identifier == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "empty identifier"})
		return
	}
	if !s.checkRate(c) || !s.checkAuth(c) {
		return
	}

	r, err := s.getOrCreateRoom(c.Request.Context(), identifier)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ws, err := wsconn.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn := wsconn.New(ws)
	defer conn.Close()

	r.Add(conn)
	if s.stats != nil {
		s.stats.ClientConnected()
	}
	err = conn.Pump(c.Request.Context(), func(frame []byte) {
		r.Process(c.Request.Context(), frame, conn)
	})
	r.Remove(conn)
	if s.stats != nil {
		s.stats.ClientDisconnected()
	}
	if err != nil {
		s.logger.Debug("connection closed", zap.String("room", identifier), zap.Error(err))
	}
}

func (s *Server) handleMultiplexedUpgrade(c *gin.Context) {
	if !s.checkRate(c) || !s.checkAuth(c) {
		return
	}

	ws, err := wsconn.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn := wsconn.New(ws)
	defer conn.Close()

	if s.stats != nil {
		s.stats.ClientConnected()
	}

	joined := make(map[string]*room.Room)
	var joinedMu sync.Mutex

	err = conn.Pump(c.Request.Context(), func(frame []byte) {
		identifier, consumed, decErr := codec.DecodeID(frame)
		if decErr != nil {
			if s.stats != nil {
				s.stats.FrameDropped("missing_id")
			}
			s.logger.Debug("dropping frame without ID prefix", zap.Error(decErr))
			return
		}
		inner := frame[consumed:]

		r, roomErr := s.getOrCreateRoom(c.Request.Context(), identifier)
		if roomErr != nil {
			s.logger.Warn("failed to open room", zap.String("room", identifier), zap.Error(roomErr))
			return
		}

		joinedMu.Lock()
		if _, ok := joined[identifier]; !ok {
			r.Add(conn)
			joined[identifier] = r
		}
		joinedMu.Unlock()

		r.Process(c.Request.Context(), inner, conn)
	})

	joinedMu.Lock()
	for _, r := range joined {
		r.Remove(conn)
	}
	joinedMu.Unlock()

	if s.stats != nil {
		s.stats.ClientDisconnected()
	}
	if err != nil {
		s.logger.Debug("multiplexed connection closed", zap.Error(err))
	}
}

// getOrCreateRoom returns the existing room for identifier, or starts a
// new one.
func (s *Server) getOrCreateRoom(ctx context.Context, identifier string) (*room.Room, error) {
	if s.reg != nil {
		if err := s.reg.Touch(identifier, ""); err != nil {
			s.logger.Warn("registry touch failed", zap.String("room", identifier), zap.Error(err))
		}
	}

	s.mu.Lock()
	if r, ok := s.rooms[identifier]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	storePath := ""
	if s.opts.Persistent {
		storePath = fmt.Sprintf("%s/%s.db", strings.TrimSuffix(s.opts.StoreDir, "/"), sanitizeFilename(identifier))
	}
	var awareFanout room.AwarenessFanout
	if s.awareRedis != nil {
		awareFanout = fanout.New(s.awareRedis, identifier, s.logger)
	}
	r := room.New(room.Options{
		Identifier:      identifier,
		Persistent:      s.opts.Persistent,
		Multiplexed:     s.opts.Multiplexed,
		StorePath:       storePath,
		Logger:          s.logger,
		Replicator:      s.repl,
		AwarenessFanout: awareFanout,
	})
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("relay: start room %s: %w", identifier, err)
	}

	s.mu.Lock()
	if existing, ok := s.rooms[identifier]; ok {
		s.mu.Unlock()
		r.Stop()
		return existing, nil
	}
	s.rooms[identifier] = r
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.RoomOpened()
	}
	return r, nil
}

// lastPathSegment extracts the identifier per the relay's path
// discipline: the final non-empty segment of the request path, however
// many segments precede it.
func lastPathSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

// sanitizeFilename keeps an identifier safe to use as a filesystem path
// component: only the slash separator is hostile here, since
// identifiers travel inside a URL path segment already.
func sanitizeFilename(identifier string) string {
	return strings.ReplaceAll(identifier, "/", "_")
}
