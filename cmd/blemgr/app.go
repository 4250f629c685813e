package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/radio/goble"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/pkg/config"
)

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  store.Store
}

// newApp loads configuration, configures logging and opens the store.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return nil, err
	}

	// Arguments and configuration validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	st, err := store.Open(store.Backend(strings.ToLower(cfg.Store.Backend)), cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

// startManager creates and starts a manager on the go-ble radio.
func (a *app) startManager(ctx context.Context) (*manager.Manager, error) {
	r := goble.New(goble.Options{
		ConnectTimeout:  a.cfg.Connection.ConnectTimeout,
		AllowDuplicates: a.cfg.Scan.AllowDuplicates,
		Watcher:         powerWatcher(a.cfg.AdapterPath, a.logger),
		Logger:          a.logger,
	})
	m, err := manager.New(manager.Options{
		Settings:    a.cfg.ManagerSettings(),
		Radio:       r,
		Store:       a.store,
		Logger:      a.logger,
		EventBuffer: a.cfg.EventBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start connection manager: %w", err)
	}
	return m, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close device store")
	}
}

// interruptContext returns a context cancelled on Ctrl+C or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
