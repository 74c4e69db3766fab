// Package app assembles one chat instance from its configuration: the bus
// adapter, the message router, the rate limiter, the directory, the
// authenticator and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/ZeQ61/message/internal/actions"
	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/bus"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/directory"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/ratelimit"
	"github.com/ZeQ61/message/internal/router"
	"github.com/ZeQ61/message/internal/server"
	"github.com/ZeQ61/message/internal/session"
)

// rateLimitKeyPrefix namespaces limiter keys in a shared Redis.
const rateLimitKeyPrefix = "chat:"

// App is a fully wired chat instance.
type App struct {
	cfg       *config.Config
	logger    watermill.LoggerAdapter
	metrics   *metrics.Metrics
	registry  *session.Registry
	directory *directory.Memory
	adapter   *bus.Adapter
	router    *router.Router
	server    *server.Server

	closeOnce sync.Once
	closers   []func() error
}

// New builds an instance. Nothing listens until Start and ListenAndServe are
// called.
func New(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (_ *App, err error) {
	logger = logging.OrNop(logger).With(watermill.LogFields{"instance_id": cfg.InstanceID})
	a := &App{cfg: cfg, logger: logger, registry: session.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	if cfg.MetricsEnabled {
		if a.metrics, err = metrics.New(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	transport, err := bus.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bus transport %s: %w", cfg.Bus.Transport, err)
	}
	a.adapter, err = bus.NewAdapter(transport, bus.Options{
		InstanceID:     cfg.InstanceID,
		PublishTimeout: cfg.Bus.PublishTimeout,
		Logger:         logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.adapter.Close)

	a.router = router.New(a.registry, a.adapter, logger, a.metrics)

	store, err := a.limiterStore(ctx)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.Capacity, cfg.RateLimit.Window, logger)

	a.directory = directory.NewMemory()
	if cfg.DirectorySeed != "" {
		if err := a.directory.LoadFile(cfg.DirectorySeed); err != nil {
			return nil, fmt.Errorf("directory seed %s: %w", cfg.DirectorySeed, err)
		}
		logger.Info("Directory seeded", watermill.LogFields{"path": cfg.DirectorySeed, "users": len(a.directory.Users())})
	}

	dispatcher, err := actions.NewDispatcher(actions.Options{
		Router:    a.router,
		Limiter:   limiter,
		Directory: a.directory,
		Store:     a.directory,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTLeeway)
	if err != nil {
		return nil, err
	}
	a.server, err = server.New(server.Deps{
		Config:        cfg,
		Logger:        logger,
		Registry:      a.registry,
		Authenticator: auth.NewAuthenticator(verifier, a.directory, cfg.Auth.PublicDestinations, logger),
		Actions:       dispatcher,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// limiterStore returns the configured counter store. A redis store shares the
// quota of a principal across every instance.
func (a *App) limiterStore(ctx context.Context) (ratelimit.Store, error) {
	switch a.cfg.RateLimit.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("rate limit store: redis ping: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return ratelimit.NewRedisStore(client, rateLimitKeyPrefix), nil
	default:
		store := ratelimit.NewMemoryStore()
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
}

// Start subscribes to the bus so deliveries from other instances reach local
// sessions.
func (a *App) Start(ctx context.Context) error {
	return a.adapter.Start(ctx, a.router.HandleEnvelope)
}

// Handler returns the HTTP handler of the instance.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Directory returns the account and membership store of the instance.
func (a *App) Directory() *directory.Memory {
	return a.directory
}

// Registry returns the session registry of the instance.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Run starts the bus listeners and serves HTTP until ctx is cancelled, then
// shuts down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.ListenAndServe() }()

	select {
	case err := <-serveErr:
		_ = a.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Close shuts the HTTP server and its WebSocket clients down, then releases
// the bus and the limiter store.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.logger.Info("Shutting down instance", nil)
		var errs []error
		if a.server != nil {
			if serr := a.server.Shutdown(ctx); serr != nil {
				errs = append(errs, serr)
			}
		}
		errs = append(errs, a.closeAll())
		err = errors.Join(errs...)
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
