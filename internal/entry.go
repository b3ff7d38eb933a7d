// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/container"
	"github.com/starford/ansuz/internal/healer"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/snapshot"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/watcher"
)

// Service tokens.
const (
	tokenStore     container.Token = "storage.fs"
	tokenIndex     container.Token = "index.db"
	tokenBroker    container.Token = "sse.broker"
	tokenSnapshots container.Token = "snapshot.manager"
	tokenQueue     container.Token = "task.queue"
	tokenHealer    container.Token = "index.healer"
	tokenAPI       container.Token = "api.router"
)

// errShutdown flows through the errgroup on an operator-requested exit so
// sibling goroutines unwind; Run treats it as a clean stop.
var errShutdown = errors.New("shutdown requested")

// Lifecycle adapters so container.DisposeAll can tear services down in
// reverse start-up order.

type dbService struct{ *index.DB }

func (s dbService) Dispose() error { return s.DB.Close() }

type brokerService struct{ *sse.Broker }

func (s brokerService) Dispose() error {
	s.Broker.Close()
	return nil
}

type queueService struct{ *queue.Queue }

// Dispose waits for in-flight tasks; their contexts are already cancelled
// by the time disposal runs.
func (s queueService) Dispose() error {
	s.Queue.Wait()
	return nil
}

type healerService struct{ *healer.Healer }

func (s healerService) Dispose() error {
	s.Healer.Close()
	return nil
}

// resolve fetches a built service and asserts its concrete type.
func resolve[T any](c *container.Container, token container.Token) (T, error) {
	var zero T
	v, err := c.Resolve(token)
	if err != nil {
		return zero, err
	}
	s, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("container: token %q holds %T", token, v)
	}
	return s, nil
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. In MCP stdio mode stdout carries
	// the protocol, so logs go to stderr.
	logOut := os.Stdout
	if app.mcpStdio {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("queue_state", cfg.Queue.StatePath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}

	c := container.New(logger)

	// Data layer: vault storage and the similarity index.
	c.RegisterFactory(tokenStore, container.LayerData, func(*container.Container) (any, error) {
		return storage.NewFS(cfg.Vault.Path)
	})
	c.RegisterFactory(tokenIndex, container.LayerData, func(*container.Container) (any, error) {
		db, err := index.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return dbService{db}, nil
	})

	// Core layer: event broker, snapshots, queue, healer.
	c.RegisterFactory(tokenBroker, container.LayerCore, func(*container.Container) (any, error) {
		return brokerService{sse.NewBroker(2 * time.Second)}, nil
	})
	c.RegisterFactory(tokenSnapshots, container.LayerCore, func(c *container.Container) (any, error) {
		store, err := resolve[*storage.FS](c, tokenStore)
		if err != nil {
			return nil, err
		}
		policy := snapshot.RetentionPolicy{
			MaxCount:   cfg.Snapshots.MaxCount,
			MaxAgeDays: cfg.Snapshots.MaxAgeDays,
		}
		return snapshot.NewManager(cfg.Snapshots.Dir, store, policy, logger)
	})
	c.RegisterFactory(tokenQueue, container.LayerCore, func(c *container.Container) (any, error) {
		broker, err := resolve[brokerService](c, tokenBroker)
		if err != nil {
			return nil, err
		}
		q, err := queue.New(cfg.Queue.StatePath, cfg.Queue.MaxConcurrent, logger,
			queue.WithCallback(func(t queue.Task) {
				broker.PublishTaskEvent(t.ID, t.Type, string(t.State))
			}))
		if err != nil {
			return nil, err
		}
		return queueService{q}, nil
	})
	c.RegisterFactory(tokenHealer, container.LayerCore, func(c *container.Container) (any, error) {
		store, err := resolve[*storage.FS](c, tokenStore)
		if err != nil {
			return nil, err
		}
		db, err := resolve[dbService](c, tokenIndex)
		if err != nil {
			return nil, err
		}
		broker, err := resolve[brokerService](c, tokenBroker)
		if err != nil {
			return nil, err
		}
		h := healer.New(store, db.DB, db.DB, logger,
			healer.WithCallback(func(kind, path string) {
				broker.PublishHealEvent(kind, path)
			}))
		return healerService{h}, nil
	})

	// UI layer: the REST router (SSE endpoint included).
	c.RegisterFactory(tokenAPI, container.LayerUI, func(c *container.Container) (any, error) {
		q, err := resolve[queueService](c, tokenQueue)
		if err != nil {
			return nil, err
		}
		snaps, err := resolve[*snapshot.Manager](c, tokenSnapshots)
		if err != nil {
			return nil, err
		}
		broker, err := resolve[brokerService](c, tokenBroker)
		if err != nil {
			return nil, err
		}
		return api.NewRouter(q.Queue, snaps, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker.Broker), nil
	})

	defer c.DisposeAll()
	if err := c.InitializeAll(ctx); err != nil {
		return err
	}

	store, err := resolve[*storage.FS](c, tokenStore)
	if err != nil {
		return err
	}
	qs, err := resolve[queueService](c, tokenQueue)
	if err != nil {
		return err
	}
	snaps, err := resolve[*snapshot.Manager](c, tokenSnapshots)
	if err != nil {
		return err
	}
	hs, err := resolve[healerService](c, tokenHealer)
	if err != nil {
		return err
	}
	apiRouter, err := resolve[chi.Router](c, tokenAPI)
	if err != nil {
		return err
	}

	// Built-in task handlers.
	err = qs.RegisterHandler("vault.reindex", queue.HandlerFunc(
		func(ctx context.Context, t queue.Task) (json.RawMessage, error) {
			if err := hs.Reconcile(); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"status":"reconciled"}`), nil
		}))
	if err != nil {
		return err
	}
	err = qs.RegisterHandler("snapshot.cleanup", queue.HandlerFunc(
		func(ctx context.Context, t queue.Task) (json.RawMessage, error) {
			maxAge := time.Duration(cfg.Snapshots.MaxAgeDays) * 24 * time.Hour
			if maxAge <= 0 {
				return json.RawMessage(`{"removed":0}`), nil
			}
			removed, err := snaps.CleanupExpired(maxAge)
			if err != nil {
				return nil, err
			}
			return json.Marshal(struct {
				Removed int `json:"removed"`
			}{removed})
		}))
	if err != nil {
		return err
	}

	// Catch up with changes made while the process was down.
	if err := hs.Reconcile(); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Resume any persisted backlog; task contexts descend from gCtx.
	qs.Start(gCtx)

	// Start file watcher feeding the healer.
	g.Go(func() error {
		return watcher.Watch(gCtx, store, hs.Healer, logger)
	})

	var httpServer *http.Server
	if app.mcpStdio {
		mcpSrv := mcpserver.New(store, qs.Queue, snaps)
		logger.Info("Serving MCP on stdio")
		g.Go(func() error {
			if err := mcpSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server error: %w", err)
			}
			return errShutdown
		})
	} else {
		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		// Health check endpoints (unauthenticated).
		r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})

		// Mount API routes under /api.
		r.Mount("/api", apiRouter)

		httpServer = &http.Server{
			Addr:    cfg.App.HTTP.Address(),
			Handler: r,
		}

		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down...")

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Stopped successfully")
	return nil
}
