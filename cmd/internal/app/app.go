// Package app wires the parley server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/identity/ids"
	"parley/cmd/internal/chat"
	"parley/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the parley server runtime: it owns storage, the realtime stack and
// the HTTP handler tree.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	rdb       *redis.Client

	registry *prometheus.Registry
	resolver identity.Resolver

	svc     *chat.Service
	media   *chat.LocalMediaStore
	mgr     *realtime.Manager
	rt      *realtime.Router
	pres    *realtime.Presence
	ws      *realtime.WSGateway
	relay   *realtime.RedisRelay
	nodeID  string
	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	resolver, err := identity.NewResolver(cfg.Identity)
	if err != nil {
		return nil, err
	}
	a.resolver = resolver

	store, users, err := a.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	metrics, err := realtime.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	hub := realtime.NewHub(log)
	a.pres = realtime.NewPresence()
	a.rt = realtime.NewRouter(log, hub, a.pres, metrics)
	a.mgr, err = realtime.NewManager(realtime.ManagerConfig{
		Log:       log,
		Hub:       hub,
		Presence:  a.pres,
		Router:    a.rt,
		Metrics:   metrics,
		TypingTTL: cfg.TypingTTL,
	})
	if err != nil {
		return nil, err
	}

	if err := a.newRelay(ctx); err != nil {
		return nil, err
	}

	a.media, err = chat.NewLocalMediaStore(cfg.MediaDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	a.svc, err = chat.NewService(store, users,
		chat.WithNotifier(a.rt),
		chat.WithPresence(a.pres),
		chat.WithTypingClearer(a.mgr),
		chat.WithMediaStore(a.media),
		chat.WithMediaMaxBytes(nonZeroInt(cfg.MediaMaxBytes, chat.DefaultMediaMaxBytes)),
		chat.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	a.ws = realtime.NewWSGateway(log, a.mgr, resolver,
		realtime.WithGatewayConfig(cfg.WS),
		realtime.WithSeenMarker(a.svc),
		realtime.WithGatewayMetrics(metrics),
	)
	a.handler = a.routes()

	ok = true
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.relay != nil {
		go a.rt.RunRelayPublisher(ctx)
		go func() {
			if err := a.relay.Run(ctx, a.rt.ApplyRemote); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("relay.fail", "err", err)
			}
		}()
	}
	go a.mgr.RunResync(ctx, a.cfg.PresenceResync)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := a.cfg.PublicBaseURL
	if base == "" {
		base = runtimeBaseURL(a.cfg.HTTPAddr)
	}
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"relay_enabled", a.relay != nil,
		"node_id", a.nodeID,
		"auth_mode", a.cfg.Identity.Mode,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.rdb = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// newStorage decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) newStorage(ctx context.Context) (chat.Store, chat.UserDirectory, error) {
	cfg := a.cfg
	seed := chat.ParseUserList(cfg.DevUsers)

	if cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		var dir *chat.MemoryDirectory
		if cfg.UsersFile != "" {
			d, err := chat.LoadMemoryDirectory(cfg.UsersFile)
			if err != nil {
				return nil, nil, err
			}
			dir = d
		} else {
			dir = chat.NewMemoryDirectory()
		}
		for _, u := range seed {
			dir.Put(u)
		}
		if users, _ := dir.List(ctx); len(users) == 0 {
			a.log.Warn("users.empty", "hint", "set PARLEY_DEV_USERS or PARLEY_USERS_FILE")
		}
		return chat.NewInMemoryStore(), dir, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a.dbPool = pool
	a.dbEnabled = true

	if err := chat.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
		return nil, nil, err
	}
	store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	dir, err := chat.NewPostgresDirectory(pool, cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range seed {
		if err := dir.Upsert(ctx, u); err != nil {
			return nil, nil, fmt.Errorf("seed user %q: %w", u.ID, err)
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "seeded_users", len(seed))
	return store, dir, nil
}

// newRelay connects to Redis when configured so deliveries reach every node.
func (a *App) newRelay(ctx context.Context) error {
	cfg := a.cfg
	if cfg.RedisAddr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.rdb = rdb

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	relay, err := realtime.NewRedisRelay(rdb, cfg.RedisChannel, a.log)
	if err != nil {
		return err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, err = ids.NewULID(time.Now())
		if err != nil {
			return err
		}
	}
	a.rt.SetRelay(relay, nodeID)
	a.relay = relay
	a.nodeID = nodeID
	return nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return "ws://" + httpBase
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
