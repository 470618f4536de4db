// Package app wires the pieces together for the CLI and server: open the
// workspace database, run migrations, build the oracle and controller, load
// persisted state.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"guilthub/internal/config"
	"guilthub/internal/controller"
	"guilthub/internal/db"
	"guilthub/internal/events"
	"guilthub/internal/migrate"
	"guilthub/internal/oracle"
	"guilthub/internal/store"
)

// App is a fully wired instance bound to one workspace.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Controller *controller.Controller
}

// Options control how Open builds the instance.
type Options struct {
	Workspace string
	// APIKey overrides the config value; the ANTHROPIC_API_KEY env var still
	// wins inside the oracle client.
	APIKey string
	// Oracle substitutes a client, used by tests. When nil an Anthropic
	// client is built from config.
	Oracle oracle.Client
}

// Open builds an App and loads the persisted state into memory.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	oc := opts.Oracle
	if oc == nil {
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = cfg.Oracle.APIKey
		}
		oc, err = oracle.NewAnthropic(apiKey, cfg.Oracle.Model, cfg.Oracle.ChatModel)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	st := store.NewSQL(conn, cfg.Namespace)
	ctrl := controller.New(st, oc, events.Writer{DB: conn})
	if err := ctrl.Load(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, Config: cfg, Controller: ctrl}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
