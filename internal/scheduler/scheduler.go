package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// RunStarter is the interface the scheduler uses to start workflow runs and
// fire persisted timers. Satisfied by the engine (avoids import cycle).
type RunStarter interface {
	StartRun(ctx context.Context, definitionName, version string, input map[string]any, triggeredBy string) (*store.Run, error)
	SweepRetries(ctx context.Context, now time.Time) error
	SweepEscalations(ctx context.Context, now time.Time) error
}

const (
	defaultTriggerInterval = 60 * time.Second
	defaultSweepInterval   = 5 * time.Second
)

// Config tunes the scheduler's polling intervals. Zero values use defaults.
type Config struct {
	TriggerInterval time.Duration
	SweepInterval   time.Duration
}

// Scheduler polls the store for due cron triggers and persisted retry and
// escalation timers, and fires them through the engine.
type Scheduler struct {
	store   store.Store
	starter RunStarter
	parser  cron.Parser
	config  Config
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(s store.Store, starter RunStarter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = defaultTriggerInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		config:   cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background trigger and timer loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Duration("trigger_interval", s.config.TriggerInterval),
		slog.Duration("sweep_interval", s.config.SweepInterval),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	triggers := time.NewTicker(s.config.TriggerInterval)
	defer triggers.Stop()
	sweeps := time.NewTicker(s.config.SweepInterval)
	defer sweeps.Stop()

	// Run an initial pass immediately so restarts pick up overdue work.
	s.tickTriggers(ctx)
	s.tickTimers(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-triggers.C:
			s.tickTriggers(ctx)
		case <-sweeps.C:
			s.tickTimers(ctx)
		}
	}
}

// tickTriggers checks all enabled triggers and fires those that are due.
func (s *Scheduler) tickTriggers(ctx context.Context) {
	triggers, err := s.store.ListTriggers(ctx, true)
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trigger := range triggers {
		if trigger.NextRunAt == nil || !trigger.NextRunAt.After(now) {
			if !s.tryAcquire(trigger.ID) {
				continue // already firing (dedup)
			}
			if err := s.fireTrigger(ctx, trigger, now); err != nil {
				s.logger.Error("failed to fire trigger",
					slog.String("trigger_id", trigger.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(trigger.ID)
		}
	}
}

// tickTimers fires due retry and escalation timers.
func (s *Scheduler) tickTimers(ctx context.Context) {
	now := time.Now().UTC()
	if err := s.starter.SweepRetries(ctx, now); err != nil {
		s.logger.Error("retry sweep failed", slog.String("error", err.Error()))
	}
	if err := s.starter.SweepEscalations(ctx, now); err != nil {
		s.logger.Error("escalation sweep failed", slog.String("error", err.Error()))
	}
}

// fireTrigger starts a run for a due trigger and advances its schedule.
func (s *Scheduler) fireTrigger(ctx context.Context, trigger *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing trigger",
		slog.String("trigger_id", trigger.ID),
		slog.String("definition", trigger.DefinitionName),
	)

	var input map[string]any
	if len(trigger.Input) > 0 {
		if err := json.Unmarshal(trigger.Input, &input); err != nil {
			return s.updateTriggerStatus(ctx, trigger, now, "error")
		}
	}

	_, err := s.starter.StartRun(ctx, trigger.DefinitionName, trigger.DefinitionVersion, input, "trigger:"+trigger.ID)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("triggered run failed to start",
			slog.String("trigger_id", trigger.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateTriggerStatus(ctx, trigger, now, status)
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, trigger *store.ScheduledTrigger, now time.Time, status string) error {
	nextRun, err := s.NextRun(trigger.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trigger.ID, err)
	}

	return s.store.UpdateTrigger(ctx, trigger.ID, store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// CreateTrigger validates and persists a new cron trigger with its first
// next_run_at computed.
func (s *Scheduler) CreateTrigger(ctx context.Context, definitionName, version, cronExpr string, input map[string]any) (*store.ScheduledTrigger, error) {
	if definitionName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger requires a definition name")
	}
	now := time.Now().UTC()
	next, err := s.NextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).WithCause(err)
	}

	var raw json.RawMessage
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "trigger input is not serializable").WithCause(err)
		}
	}

	trigger := &store.ScheduledTrigger{
		ID:                uuid.NewString(),
		DefinitionName:    definitionName,
		DefinitionVersion: version,
		CronExpression:    cronExpr,
		Input:             raw,
		Enabled:           true,
		NextRunAt:         &next,
		CreatedAt:         now,
	}
	if err := s.store.CreateTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("persist trigger: %w", err)
	}
	return trigger, nil
}

// SetEnabled pauses or resumes a trigger. Re-enabling recomputes next_run_at
// from now so the paused period is not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, triggerID string, enabled bool) error {
	update := store.TriggerUpdate{Enabled: &enabled}
	if enabled {
		triggers, err := s.store.ListTriggers(ctx, false)
		if err != nil {
			return err
		}
		for _, trigger := range triggers {
			if trigger.ID == triggerID {
				next, err := s.NextRun(trigger.CronExpression, time.Now().UTC())
				if err != nil {
					return err
				}
				update.NextRunAt = &next
				break
			}
		}
	}
	return s.store.UpdateTrigger(ctx, triggerID, update)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
