// Package scheduler runs remi's background jobs: nightly memory compaction,
// retention cleanup, and backend health heartbeats.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/backend"
	"github.com/harun/remi/pkg/memory"
)

const (
	defaultCompactSpec = "0 3 * * *"
	defaultHeartbeat   = 5 * time.Minute

	keepDailyDays = 30
	keepVersions  = 50

	// skipSentinel is how the model declines compaction when a day holds
	// nothing worth keeping.
	skipSentinel = "SKIP"
)

const compactPrompt = `Review these notes from %s and extract anything worth
remembering long-term: stable facts, preferences, decisions, commitments.
Reply with a short markdown bullet list, or exactly "SKIP" if nothing
qualifies. Do not include transient chatter.

%s`

// Config configures the scheduler.
type Config struct {
	// CompactSpec is a standard 5-field cron expression for the nightly
	// compaction job.
	CompactSpec string
	Heartbeat   time.Duration
}

// Scheduler owns the cron runner and the jobs it triggers.
type Scheduler struct {
	cfg      Config
	log      zerolog.Logger
	cron     *cron.Cron
	store    *memory.Store
	summarer backend.Backend
	checked  []backend.Backend

	now func() time.Time
}

// New creates a scheduler. summarer is the backend used to distill daily
// notes; checked lists the backends the heartbeat probes.
func New(cfg Config, store *memory.Store, summarer backend.Backend, checked []backend.Backend, log zerolog.Logger) *Scheduler {
	if cfg.CompactSpec == "" {
		cfg.CompactSpec = defaultCompactSpec
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
		cron:     cron.New(),
		store:    store,
		summarer: summarer,
		checked:  checked,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.CompactSpec, func() {
		if err := s.RunCompaction(ctx); err != nil {
			s.log.Error().Err(err).Msg("compaction failed")
		}
		s.RunCleanup()
	}); err != nil {
		return fmt.Errorf("scheduler: bad compaction spec %q: %w", s.cfg.CompactSpec, err)
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Heartbeat), func() {
		s.RunHeartbeat(ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: register heartbeat: %w", err)
	}

	s.cron.Start()
	s.log.Info().Str("compact_spec", s.cfg.CompactSpec).Dur("heartbeat", s.cfg.Heartbeat).Msg("scheduler started")
	return nil
}

// Stop halts the cron runner, waiting for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunCompaction distills yesterday's daily notes into long-term memory. The
// model may decline by replying SKIP; failures leave memory untouched.
func (s *Scheduler) RunCompaction(ctx context.Context) error {
	yesterday := s.now().AddDate(0, 0, -1).Format("2006-01-02")
	notes := s.store.ReadDaily(yesterday)
	if strings.TrimSpace(notes) == "" {
		s.log.Debug().Str("date", yesterday).Msg("no notes to compact")
		return nil
	}

	resp := s.summarer.Send(ctx, fmt.Sprintf(compactPrompt, yesterday, notes), backend.SendOptions{})
	if backend.IsFailure(resp.Text) {
		return fmt.Errorf("scheduler: compaction turn failed: %s", resp.Text)
	}

	summary := strings.TrimSpace(resp.Text)
	if summary == "" || strings.EqualFold(summary, skipSentinel) {
		s.log.Info().Str("date", yesterday).Msg("nothing worth keeping")
		return nil
	}

	entry := fmt.Sprintf("## From %s\n\n%s", yesterday, summary)
	if err := s.store.AppendMemory(entry); err != nil {
		return err
	}
	s.log.Info().Str("date", yesterday).Int("chars", len(summary)).Msg("daily notes compacted")
	return nil
}

// RunCleanup enforces the retention windows on daily notes and version
// snapshots.
func (s *Scheduler) RunCleanup() {
	if n, err := s.store.CleanupDailies(keepDailyDays); err != nil {
		s.log.Warn().Err(err).Msg("daily cleanup failed")
	} else if n > 0 {
		s.log.Info().Int("removed", n).Msg("old daily notes removed")
	}

	if n, err := s.store.CleanupVersions(keepVersions); err != nil {
		s.log.Warn().Err(err).Msg("version cleanup failed")
	} else if n > 0 {
		s.log.Info().Int("removed", n).Msg("old version snapshots removed")
	}
}

// RunHeartbeat probes each backend's health and logs the outcome.
func (s *Scheduler) RunHeartbeat(ctx context.Context) {
	for _, b := range s.checked {
		healthy := b.HealthCheck(ctx)
		evt := s.log.Debug()
		if !healthy {
			evt = s.log.Warn()
		}
		evt.Str("backend", b.Name()).Bool("healthy", healthy).Msg("heartbeat")
	}
}
