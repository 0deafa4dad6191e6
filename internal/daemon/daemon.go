// Package daemon wires remi's components together: backends, memory, hub,
// connectors, and the background scheduler.
package daemon

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/remi/internal/config"
	"github.com/harun/remi/pkg/anthropic"
	"github.com/harun/remi/pkg/backend"
	"github.com/harun/remi/pkg/claudecli"
	"github.com/harun/remi/pkg/codex"
	"github.com/harun/remi/pkg/connector"
	"github.com/harun/remi/pkg/hub"
	"github.com/harun/remi/pkg/memory"
	"github.com/harun/remi/pkg/scheduler"
)

// Options selects the daemon's run mode.
type Options struct {
	// Console runs an interactive REPL instead of the long-running
	// connectors. The scheduler is skipped in console mode.
	Console bool
}

// Daemon is the assembled remi service.
type Daemon struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	store   *memory.Store
	watcher *memory.Watcher
	hub     *hub.Hub
	sched   *scheduler.Scheduler
	life    *lifecycle
}

// New builds a daemon from config. Nothing is started yet.
func New(cfg *config.Config, opts Options, log zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}

	store, err := memory.NewStore(cfg.MemoryDir, log)
	if err != nil {
		return nil, err
	}

	primary, err := buildBackend(cfg.Backend.Name, cfg, store, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: build primary backend: %w", err)
	}

	var fallback backend.Backend
	if cfg.Backend.Fallback != "" {
		fallback, err = buildBackend(cfg.Backend.Fallback, cfg, store, log)
		if err != nil {
			// A dead fallback is not fatal; the primary still serves.
			log.Warn().Err(err).Str("backend", cfg.Backend.Fallback).Msg("fallback backend unavailable")
			fallback = nil
		}
	}

	h, err := hub.New(hub.Options{
		Primary:  primary,
		Fallback: fallback,
		Memory:   store,
		CWD:      cfg.WorkspacePath,
	}, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:   cfg,
		opts:  opts,
		log:   log.With().Str("component", "daemon").Logger(),
		store: store,
		hub:   h,
		life:  newLifecycle(cfg.DataDir, log),
	}

	if opts.Console {
		h.AddConnector(connector.NewConsole())
		return d, nil
	}

	if cfg.Telegram.Enabled {
		tg, err := connector.NewTelegram(connector.TelegramConfig{
			BotToken:  cfg.Telegram.BotToken,
			Allowlist: cfg.Telegram.Allowlist,
		}, log)
		if err != nil {
			return nil, err
		}
		h.AddConnector(tg)
	} else {
		h.AddConnector(connector.NewConsole())
	}

	checked := []backend.Backend{primary}
	if fallback != nil {
		checked = append(checked, fallback)
	}
	d.sched = scheduler.New(scheduler.Config{
		CompactSpec: cfg.Scheduler.CompactCron,
		Heartbeat:   time.Duration(cfg.Scheduler.HeartbeatSeconds) * time.Second,
	}, store, primary, checked, log)

	return d, nil
}

// Run starts everything and blocks until ctx is canceled, SIGINT/SIGTERM
// arrives, or the connectors exit.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !d.opts.Console {
		if err := d.life.start(); err != nil {
			return err
		}
		defer d.life.stop()

		if w, err := memory.NewWatcher(d.store, d.log); err != nil {
			d.log.Warn().Err(err).Msg("memory watcher unavailable")
		} else {
			d.watcher = w
			defer d.watcher.Close()
		}

		if d.sched != nil {
			if err := d.sched.Start(ctx); err != nil {
				return err
			}
			defer d.sched.Stop()
		}
	}

	d.log.Info().Str("backend", d.cfg.Backend.Name).Msg("remi is up")
	err := d.hub.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := d.hub.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// buildBackend constructs a backend by configured name. The Claude CLI
// backend gets the memory tools; the others have no tool bridge.
func buildBackend(name string, cfg *config.Config, store *memory.Store, log zerolog.Logger) (backend.Backend, error) {
	timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second

	switch name {
	case "claude_cli":
		p := claudecli.New(claudecli.Config{
			Binary:       cfg.Backend.ClaudeBinary,
			Model:        cfg.Backend.Model,
			AllowedTools: cfg.Backend.AllowedTools,
			SystemPrompt: cfg.Backend.SystemPrompt,
			CWD:          cfg.WorkspacePath,
			Timeout:      timeout,
		}, log)
		memory.RegisterTools(p, store)
		return p, nil
	case "anthropic_api":
		return anthropic.New(anthropic.Config{
			APIKey:       cfg.Backend.AnthropicAPIKey,
			Model:        cfg.Backend.Model,
			SystemPrompt: cfg.Backend.SystemPrompt,
			Timeout:      timeout,
		}, log)
	case "codex_cli":
		return codex.New(codex.Config{
			Binary:  cfg.Backend.CodexBinary,
			Model:   cfg.Backend.Model,
			CWD:     cfg.WorkspacePath,
			Timeout: timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
