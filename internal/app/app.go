// Package app wires the Parley server runtime: config, logging, storage,
// presence, matchmaking, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"parley/internal/chat"
	"parley/internal/directory"
	"parley/internal/events"
	"parley/internal/gateway"
	"parley/internal/match"
	"parley/internal/metrics"
	"parley/internal/presence"
	"parley/internal/social"
)

// App is the Parley server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	chatStore chat.Store
	redisCli  *redis.Client
	publisher *events.Publisher

	ws *gateway.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	metrics.Register()

	var (
		dbPool    *pgxpool.Pool
		dbEnabled bool

		chatStore chat.Store
		dir       directory.Directory
		graph     social.Graph
	)

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		chatStore = chat.NewMemoryStore()
		dir = directory.NewStaticDirectory(nil, cfg.DirectoryAutoProvision)
		graph = social.NewMemoryGraph()
	} else {
		if cfg.DBMigrate {
			if err := RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
				return nil, err
			}
			log.Info("db.migrated", "dir", cfg.MigrationsDir)
		}

		pool, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		dbPool = pool
		dbEnabled = true
		log.Info("db.enabled.postgres_store")

		// Ownership model:
		// - app owns pool lifecycle
		// - store Close() is a no-op
		pgStore, err := chat.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		chatStore = pgStore

		pgDir, err := directory.NewPostgresDirectory(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		dir = pgDir

		pgGraph, err := social.NewPostgresGraph(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		graph = pgGraph
	}

	var redisCli *redis.Client
	var mirror *presence.RedisMirror
	if cfg.RedisAddr != "" {
		redisCli = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		mirror = presence.NewRedisMirror(log, redisCli, cfg.RedisPrefix)
		log.Info("presence.mirror.enabled", "addr", cfg.RedisAddr)
	}

	publisher := events.NewPublisher(log, cfg.KafkaBrokers, cfg.KafkaTopic)
	if publisher != nil {
		log.Info("events.publisher.enabled", "topic", cfg.KafkaTopic)
	}

	registry := presence.NewRegistry(log, mirror)
	svc := chat.NewService(log, chatStore, registry, dir, publisher)
	engine := match.NewEngine(log, dir, publisher)

	ws := gateway.NewWSGateway(log, registry, dir, graph, svc, engine)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		chatStore: chatStore,
		redisCli:  redisCli,
		publisher: publisher,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

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

	a.close()

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.chatStore != nil {
		_ = a.chatStore.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Error("events.publisher.close.fail", "err", err)
		}
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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
