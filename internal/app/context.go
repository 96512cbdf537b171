package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"civicsense/internal/config"
	"civicsense/internal/db"
	"civicsense/internal/engine"
	"civicsense/internal/feed"
	"civicsense/internal/identity"
	"civicsense/internal/migrate"
	"civicsense/internal/repo"
	"civicsense/internal/upload"
)

// ResolveConfig picks the active config: the workspace file when present,
// otherwise the copy stored in the database, otherwise the defaults, which
// are then stored so later processes agree.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store workspace config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default()
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

type Options struct {
	Workspace string
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

// App is a migrated workspace with every collaborator wired.
type App struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Engine    engine.Engine
	Hub       *feed.Hub
	Relay     *feed.Relay
	Identity  identity.Service
	Uploads   *upload.Store
	Logger    *slog.Logger
}

// Open opens and migrates the workspace database and wires the engine to the
// change feed. Call Start to run the relay.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("applied migration", "name", name)
	}
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, opts.Workspace, r)
	if err != nil {
		conn.Close()
		return nil, err
	}

	hub := feed.NewHub(cfg.Feed.Buffer, logger)
	relay := feed.NewRelay(r, hub, feed.RelayConfig{
		Interval: cfg.Feed.PollInterval,
		Batch:    cfg.Feed.BatchSize,
		Logger:   logger,
	})
	if err := relay.SkipToLatest(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	eng.OnCommit = relay.Kick

	return &App{
		Workspace: opts.Workspace,
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Engine:    eng,
		Hub:       hub,
		Relay:     relay,
		Identity: identity.Service{
			Repo:   r,
			Secret: opts.JWTSecret,
			TTL:    opts.TokenTTL,
		},
		Uploads: upload.New(db.UploadsDir(opts.Workspace), cfg),
		Logger:  logger,
	}, nil
}

// Start runs the feed relay until ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.Relay.Run(ctx)
}

func (a *App) Close() error {
	a.Hub.Close()
	return a.DB.Close()
}
