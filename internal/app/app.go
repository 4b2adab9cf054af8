// Package app wires a lanepool process together from its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"lanepool/internal/booking"
	"lanepool/internal/config"
	"lanepool/internal/db"
	"lanepool/internal/engine"
	"lanepool/internal/lifecycle"
	"lanepool/internal/logging"
	"lanepool/internal/metrics"
	"lanepool/internal/migrate"
	"lanepool/internal/scheduler"
	"lanepool/internal/server"
	"lanepool/internal/webhook"
)

// Background task names.
const (
	TaskSweep    = "sweep"
	TaskTick     = "tick"
	TaskDispatch = "dispatch"
)

type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Engine     engine.Engine
	Clock      *lifecycle.Clock
	Dispatcher *webhook.Dispatcher
	Webhooks   webhook.Admin
	Scheduler  *scheduler.Runner
}

// LoadConfig reads path when given, else the workspace lanepool.yml,
// falling back to the built-in defaults when neither exists.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open builds every component on top of the workspace ledger.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	provider, err := booking.New(cfg.Booking)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	logger.Debug("ledger ready", zap.String("path", db.Path(workspace)), zap.Int("schema_version", version))
	m := metrics.New()

	e := engine.New(conn, cfg)
	e.Logger = logger.Named("engine")
	e.Metrics = m
	e.Booking = provider

	a := &App{
		Workspace:  workspace,
		Config:     cfg,
		DB:         conn,
		Logger:     logger,
		Metrics:    m,
		Engine:     e,
		Clock:      lifecycle.New(e, cfg.Lifecycle.Grace, cfg.Lifecycle.AutoBook, logger.Named("lifecycle")),
		Dispatcher: webhook.NewDispatcher(e.Repo, cfg.Webhooks, logger.Named("webhook"), m),
		Webhooks:   webhook.Admin{Repo: e.Repo},
	}
	a.Scheduler = scheduler.New(logger.Named("scheduler"), m, a.tasks()...)
	return a, nil
}

func (a *App) tasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name:     TaskSweep,
			Interval: a.Config.Pools.SweepInterval,
			Run: func(ctx context.Context) error {
				placed, err := a.Engine.AssignPendingItems(ctx)
				if placed > 0 {
					a.Logger.Info("sweep placed items", zap.Int("placed", placed))
				}
				return err
			},
		},
		{
			Name:     TaskTick,
			Interval: a.Config.Lifecycle.TickInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Clock.Tick(ctx)
				if errors.Is(err, lifecycle.ErrTickInFlight) {
					return nil
				}
				return err
			},
		},
		{
			Name:     TaskDispatch,
			Interval: a.Config.Webhooks.PollInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Dispatcher.DispatchOnce(ctx)
				return err
			},
		},
	}
}

// Handler returns the HTTP API bound to this app's components.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Clock:    a.Clock,
		Webhooks: a.Webhooks,
		Metrics:  a.Metrics,
		Logger:   a.Logger.Named("http"),
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Config.Server.AdminJWTSecret},
	})
}

// Close releases the ledger and flushes the logger.
func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
