// Package codex implements a one-shot OpenAI Codex CLI backend. Every turn
// spawns a fresh process; there is no session continuity and no tool bridge.
package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/backend"
)

const (
	defaultBinary  = "codex"
	defaultTimeout = 5 * time.Minute
)

// Config configures the Codex backend.
type Config struct {
	Binary  string
	Model   string
	CWD     string
	Timeout time.Duration
}

// Runner invokes the codex binary once per turn.
type Runner struct {
	cfg Config
	log zerolog.Logger
}

var _ backend.Backend = (*Runner)(nil)

// New creates a Codex backend.
func New(cfg Config, log zerolog.Logger) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Runner{
		cfg: cfg,
		log: log.With().Str("component", "codex_cli").Logger(),
	}
}

// Name implements backend.Backend.
func (r *Runner) Name() string { return "codex_cli" }

// Send implements backend.Backend. Session ids are ignored; the CLI has no
// resumable state worth carrying across invocations here.
func (r *Runner) Send(ctx context.Context, message string, opts backend.SendOptions) backend.AgentResponse {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	prompt := backend.WrapContext(message, opts.Context)
	if opts.SystemPrompt != "" {
		prompt = opts.SystemPrompt + "\n\n" + prompt
	}

	args := []string{"--quiet", "--full-auto"}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	} else if r.cfg.CWD != "" {
		cmd.Dir = r.cfg.CWD
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.log.Error().Dur("timeout", r.cfg.Timeout).Msg("codex run timed out")
			return backend.Timeout("after %s", r.cfg.Timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		r.log.Error().Err(err).Str("stderr", detail).Msg("codex run failed")
		return backend.Failure("%s", detail)
	}

	text := strings.TrimSpace(stdout.String())
	r.log.Info().Dur("elapsed", elapsed).Int("chars", len(text)).Msg("codex turn done")
	return backend.AgentResponse{
		Text:       text,
		Model:      r.cfg.Model,
		DurationMS: elapsed.Milliseconds(),
	}
}

// HealthCheck implements backend.Backend by probing the binary's version.
func (r *Runner) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, r.cfg.Binary, "--version").Run(); err != nil {
		r.log.Debug().Err(err).Msg("codex health check failed")
		return false
	}
	return true
}

// String describes the runner for logs.
func (r *Runner) String() string {
	return fmt.Sprintf("codex(%s)", r.cfg.Binary)
}
