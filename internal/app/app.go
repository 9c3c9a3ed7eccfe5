// Package app assembles a workspace into a running engagement service: config,
// database, engine, payment reconciler, notifications and the HTTP handler.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"engageline/internal/config"
	"engageline/internal/db"
	"engageline/internal/documents"
	"engageline/internal/engine"
	"engageline/internal/migrate"
	"engageline/internal/notify"
	"engageline/internal/payments"
	"engageline/internal/server"
)

type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Documents  documents.FileStore
	Reconciler *payments.Reconciler
	Dispatcher *notify.Dispatcher
	Logger     *log.Logger
}

// Open loads the workspace config, opens and migrates its database, and wires
// the services on top of it. Callers must Close the result.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

// OpenWithConfig is Open with an already loaded config.
func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := log.New(os.Stderr, "engage: ", log.LstdFlags)
	store := documents.FileStore{Dir: cfg.Documents.Dir}
	eng := engine.New(conn, cfg, store)

	verifier, err := payments.NewVerifier(cfg.Payments.Provider, cfg.Payments.ToleranceSeconds)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng.Intents = payments.NewIntentCreator(cfg)
	if eng.Intents == nil {
		logger.Printf("no payments API key configured; payment intents are disabled")
	}
	rec := payments.NewReconciler(eng, eng.Repo, verifier, cfg.Payments.WebhookSecret)
	if cfg.Payments.WebhookSecret == "" {
		logger.Printf("WARNING: no payments webhook secret configured; every provider delivery will be rejected")
	}

	return &App{
		Workspace:  workspace,
		Config:     cfg,
		DB:         conn,
		Engine:     eng,
		Documents:  store,
		Reconciler: rec,
		Dispatcher: notify.NewDispatcher(eng.Repo, cfg.Notifications.Webhooks, nil),
		Logger:     logger,
	}, nil
}

// Handler builds the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:     a.Engine,
		Reconciler: a.Reconciler,
		Documents:  a.Documents,
		BasePath:   a.Config.Server.BasePath,
		Logger:     a.Logger,
		Auth: server.AuthConfig{
			JWTSecret:        a.Config.Auth.JWTSecret,
			AllowActorHeader: a.Config.Auth.AllowActorHeader,
			DevTokens:        a.Config.Auth.DevTokens,
			Logger:           a.Logger,
		},
	})
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
