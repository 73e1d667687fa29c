package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"scopeledger/agreement"
	"scopeledger/config"
	"scopeledger/db"
	"scopeledger/logging"
	"scopeledger/payout"
)

// app carries flag values and the ledger opener shared by every command.
type app struct {
	configPath  string
	databaseURL string
	as          string
	jsonOut     bool

	out  io.Writer
	open func(ctx context.Context) (*agreement.Service, func(), error)
}

func newApp(out io.Writer) *app {
	a := &app{out: out}
	a.open = a.openPostgres
	return a
}

func (a *app) loadConfig() (config.Config, *slog.Logger, error) {
	if a.databaseURL != "" {
		os.Setenv("DATABASE_URL", a.databaseURL)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (a *app) openPostgres(ctx context.Context) (*agreement.Service, func(), error) {
	cfg, logger, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	svc, err := agreement.Open(ctx, agreement.NewPGStore(pool), payout.WithLogging(payout.NewBook(), logger), agreement.Identity(cfg.Owner))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc.WithLogger(logger), pool.Close, nil
}

func (a *app) migrate(ctx context.Context) error {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	return db.Migrate(ctx, cfg.DatabaseURL)
}

// withLedger opens the ledger for the duration of fn.
func (a *app) withLedger(ctx context.Context, fn func(svc *agreement.Service) error) error {
	svc, closeFn, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

func (a *app) caller() (agreement.Identity, error) {
	id := agreement.Identity(a.as)
	if !id.Valid() {
		return "", fmt.Errorf("--as is required for this command")
	}
	return id, nil
}
