// Package scheduler dispatches due follow-up tasks. A cron sweep claims
// PENDING tasks whose scheduled time has passed and sends each message
// through the outbound gateway, marking DONE on success and recording the
// error (task stays PENDING) on failure.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// Scheduler runs the periodic follow-up sweep.
type Scheduler struct {
	followUps     engine.FollowUpRepo
	conversations engine.ConversationRepo
	gateway       engine.MessagingGateway
	cfg           engine.SchedulerConfig
	logger        *slog.Logger

	cron *cron.Cron
	now  func() time.Time
}

// New creates a scheduler. Call Start to begin sweeping.
func New(followUps engine.FollowUpRepo, conversations engine.ConversationRepo, gateway engine.MessagingGateway, cfg engine.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval == "" {
		cfg.PollInterval = "1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Scheduler{
		followUps:     followUps,
		conversations: conversations,
		gateway:       gateway,
		cfg:           cfg,
		logger:        logger.With("component", "scheduler"),
		now:           time.Now,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	s.cron = cron.New()
	spec := "@every " + s.cfg.PollInterval
	if _, err := s.cron.AddFunc(spec, func() {
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("registering sweep job %q: %w", spec, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.cfg.PollInterval, "batch", s.cfg.BatchSize)
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep claims due tasks and dispatches them one by one. Exported so the API
// and tests can trigger a sweep directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.followUps.Due(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("loading due follow-ups failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("dispatching follow-ups", "count", len(due))
	for _, task := range due {
		if err := s.dispatch(ctx, task); err != nil {
			s.logger.Warn("follow-up dispatch failed",
				"id", task.ID, "to", task.CustomerPhone, "error", err)
			if markErr := s.followUps.MarkError(ctx, task.ID, err.Error()); markErr != nil {
				s.logger.Error("recording dispatch error failed", "id", task.ID, "error", markErr)
			}
			continue
		}
		if err := s.followUps.MarkDone(ctx, task.ID); err != nil {
			s.logger.Error("marking follow-up done failed", "id", task.ID, "error", err)
		}
	}
}

// dispatch sends one follow-up and appends it to the conversation history so
// the next turn's prompt window sees what the customer already received.
func (s *Scheduler) dispatch(ctx context.Context, task *engine.FollowUpTask) error {
	if _, err := s.gateway.Send(ctx, task.CustomerPhone, task.Message, ""); err != nil {
		return err
	}

	err := s.conversations.AppendMessages(ctx, task.ConversationID, []engine.Message{{
		Role:      engine.RoleAssistant,
		Content:   task.Message,
		Timestamp: s.now(),
	}})
	if err != nil {
		// The message already went out; history append failure is logged, not
		// retried, to avoid a duplicate send on the next sweep.
		s.logger.Warn("appending follow-up to history failed",
			"id", task.ID, "conversation", task.ConversationID, "error", err)
	}
	return nil
}
