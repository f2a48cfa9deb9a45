package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/deckforge/internal/buildinfo"
	"github.com/nugget/deckforge/internal/cache"
	"github.com/nugget/deckforge/internal/config"
	"github.com/nugget/deckforge/internal/events"
	"github.com/nugget/deckforge/internal/journal"
	"github.com/nugget/deckforge/internal/kvstore"
	"github.com/nugget/deckforge/internal/ledger"
	"github.com/nugget/deckforge/internal/mqtt"
	"github.com/nugget/deckforge/internal/pipeline"
	"github.com/nugget/deckforge/internal/retry"
	"github.com/nugget/deckforge/internal/rpcclient"
	"github.com/nugget/deckforge/internal/transport"
)

const forwarderStopTimeout = 5 * time.Second

// app holds the long-lived components shared by the pipeline commands.
// Everything is opened by [openApp] and released by Close in reverse
// order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *events.Bus
	process   *transport.Process
	client    *rpcclient.Client
	cache     *cache.Cache
	ledger    *ledger.Ledger
	journal   *journal.Store
	forwarder *mqtt.Forwarder

	closers []func() error
}

// setup loads the config and builds the logger every pipeline command
// starts with.
func setup(g globals) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(g.stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// openApp wires the transport, client, stores and event forwarding.
// The tool host child is not started until the first call.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	command, args, err := toolhostCommand(cfg)
	if err != nil {
		return nil, err
	}
	a.process = transport.New(transport.Config{
		Command:       command,
		Args:          args,
		Env:           cfg.Toolhost.Env,
		QueueSize:     cfg.Toolhost.QueueSize,
		ShutdownGrace: cfg.Toolhost.ShutdownGrace,
		Logger:        logger.With("component", "transport"),
	})
	a.closers = append(a.closers, a.process.Close)

	a.client = rpcclient.New(a.process, rpcclient.Options{
		Timeouts: rpcclient.Timeouts{Default: cfg.Timeouts.Default, Methods: cfg.Timeouts.Methods},
		Logger:   logger.With("component", "rpcclient"),
		Events:   a.bus,
	})

	if cfg.Cache.Enabled {
		store, err := kvstore.Open(ctx, backend(cfg.Cache.StoreConfig))
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.cache = cache.New(store, logger.With("component", "cache"))
	}

	ledgerStore, err := kvstore.Open(ctx, backend(cfg.Ledger.StoreConfig))
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	a.closers = append(a.closers, ledgerStore.Close)
	a.ledger = ledger.New(ledgerStore, logger.With("component", "ledger"))

	if cfg.Journal.Enabled {
		a.journal, err = journal.NewStore(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, a.journal.Close)
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.InstanceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("load instance id: %w", err)
		}
		fwd := mqtt.New(cfg.MQTT, instanceID, a.bus, logger.With("component", "mqtt"))
		if err := fwd.Start(ctx); err != nil {
			// Forwarding is observability only; the run goes ahead.
			logger.Warn("mqtt forwarding disabled", "error", err)
		} else {
			a.forwarder = fwd
		}
	}

	logger.Debug("deckforge ready",
		"version", buildinfo.Version,
		"toolhost", command,
		"cache", cfg.Cache.Enabled,
		"journal", cfg.Journal.Enabled,
		"mqtt", a.forwarder != nil,
	)
	return a, nil
}

// orchestrator builds a pipeline orchestrator over the app's components.
func (a *app) orchestrator() *pipeline.Orchestrator {
	opts := pipeline.Options{
		Cache:       a.cache,
		CacheTTL:    a.cfg.Cache.TTL,
		Ledger:      a.ledger,
		Events:      a.bus,
		Retry:       retryPolicy(a.cfg.Retry),
		MaxSections: a.cfg.Pipeline.MaxSections,
		ImageSize:   a.cfg.Pipeline.ImageSize,
		Model:       a.cfg.Pipeline.Model,
		Logger:      a.logger.With("component", "pipeline"),
	}
	// A nil *journal.Store in the interface would not compare as nil.
	if a.journal != nil {
		opts.Journal = a.journal
	}
	return pipeline.New(a.client, opts)
}

// Close stops forwarding first so the final run events are published,
// then shuts down the child and closes the stores.
func (a *app) Close() error {
	if a.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), forwarderStopTimeout)
		if err := a.forwarder.Stop(ctx); err != nil {
			a.logger.Warn("mqtt forwarder stop failed", "error", err)
		}
		cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// toolhostCommand returns the configured tool host command, or this
// executable re-run with the toolhost subcommand.
func toolhostCommand(cfg *config.Config) (string, []string, error) {
	if cfg.Toolhost.Command != "" {
		return cfg.Toolhost.Command, cfg.Toolhost.Args, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locate deckforge executable: %w", err)
	}
	args := []string{"toolhost", "-deck-dir", cfg.Toolhost.DeckDir, "-log-level", cfg.LogLevel}
	return self, args, nil
}

func backend(sc config.StoreConfig) kvstore.Backend {
	return kvstore.Backend{
		Kind:   sc.Backend,
		Dir:    sc.Dir,
		Path:   sc.Path,
		Driver: sc.SQLiteDriver,
		Redis: kvstore.RedisOptions{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Multiplier:     rc.Multiplier,
		Jitter:         rc.Jitter,
	}
}
