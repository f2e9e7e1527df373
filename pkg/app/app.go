// Package app wires the store, caches, link service, scheduler and HTTP
// server into one service context with explicit teardown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/adapters/cache/badgercache"
	"github.com/wadjakorntonsri/linkshort/pkg/adapters/cache/rediscache"
	"github.com/wadjakorntonsri/linkshort/pkg/adapters/handler"
	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/postgres"
	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/retry"
	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/sqlite"
	"github.com/wadjakorntonsri/linkshort/pkg/config"
	"github.com/wadjakorntonsri/linkshort/pkg/core/services"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
	"github.com/wadjakorntonsri/linkshort/pkg/scheduler"
)

const (
	badgerGCInterval       = 10 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

type App struct {
	cfg *config.Config
	log logrus.FieldLogger

	store ports.LinkRepository
	cache ports.Cache

	Service   *services.LinkService
	Scheduler *scheduler.Scheduler
	Server    *http.Server
}

// New builds the service context. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	store, err := NewStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	cache, err := NewCache(ctx, cfg.CacheURL, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	repo := retry.New(store, cfg.StoreRetryMaxElapsed, logger)
	service := services.NewLinkService(repo, cache, cache, logger, services.Options{
		PopularTopN: cfg.PopularTopN,
		PopularTTL:  cfg.PopularTTL,
		StatsTTL:    cfg.StatsTTL,
	})

	sched, err := scheduler.New(service, scheduler.Config{
		At:       cfg.ReconcileAt,
		Interval: cfg.ReconcileInterval,
		Timeout:  cfg.ReconcileTimeout,
	}, logger)
	if err != nil {
		cache.Close()
		store.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       logger.WithField("component", "app"),
		store:     repo,
		cache:     cache,
		Service:   service,
		Scheduler: sched,
		Server: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      handler.NewRouter(service, logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// NewStore picks the link store from the database URL scheme.
func NewStore(ctx context.Context, dbURL string, logger logrus.FieldLogger) (ports.LinkRepository, error) {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		return postgres.NewPostgresRepository(ctx, dbURL, logger)
	}
	return sqlite.NewSQLiteRepository(dbURL, logger)
}

// NewCache picks the cache backend: redis:// URLs, badger:<dir>, or memory.
func NewCache(ctx context.Context, cacheURL string, logger logrus.FieldLogger) (ports.Cache, error) {
	switch {
	case strings.HasPrefix(cacheURL, "redis://"), strings.HasPrefix(cacheURL, "rediss://"):
		return rediscache.New(ctx, cacheURL, logger)
	case strings.HasPrefix(cacheURL, "badger:"):
		dir := strings.TrimPrefix(cacheURL, "badger:")
		if dir == "" {
			return nil, errors.New("badger cache needs a directory, e.g. badger:./cache")
		}
		return badgercache.New(dir, logger)
	case cacheURL == "" || cacheURL == "memory":
		return badgercache.New("", logger)
	default:
		return nil, fmt.Errorf("unsupported CACHE_URL %q", cacheURL)
	}
}

// Run listens on the configured port and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the reconciliation scheduler.
// When ctx is cancelled the scheduler stops arming, in-flight requests drain
// within the shutdown timeout, and Serve returns once both are done.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Scheduler.Run(ctx)
	}()

	if gc, ok := a.cache.(*badgercache.Cache); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gc.RunGC(ctx, badgerGCInterval)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("server starting")
		serveErr <- a.Server.Serve(ln)
	}()

	var err error
	select {
	case err = <-serveErr:
		stop()
	case <-ctx.Done():
		a.log.Info("shutting down server")
		timeout := a.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err = a.Server.Shutdown(shutdownCtx)
		cancel()
	}

	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close releases the cache and the store.
func (a *App) Close() error {
	return errors.Join(a.cache.Close(), a.store.Close())
}
