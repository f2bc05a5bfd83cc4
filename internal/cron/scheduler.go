package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/agent"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
)

// Lane all scheduled runs execute on.
const Lane = "cron"

// Scheduler fires configured cron jobs as agent runs. Each tick a due
// job dispatches its message into a per-job cron session.
type Scheduler struct {
	dispatcher *agent.Dispatcher
	cfg        func() *config.Config
	gron       *gronx.Gronx
	logger     *slog.Logger
}

// New builds a scheduler.
func New(dispatcher *agent.Dispatcher, cfg func() *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		cfg:        cfg,
		gron:       gronx.New(),
		logger:     logger,
	}
}

// Validate checks every configured job expression up front so a typo
// fails at startup instead of silently never firing.
func (s *Scheduler) Validate() error {
	for _, job := range s.cfg().Cron.Jobs {
		if !s.gron.IsValid(job.Schedule) {
			return fmt.Errorf("cron job %q: invalid schedule %q", job.Name, job.Schedule)
		}
	}
	return nil
}

// Run ticks once a minute and dispatches due jobs. Blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	for _, job := range s.cfg().Cron.Jobs {
		due, err := s.gron.IsDue(job.Schedule, time.Now())
		if err != nil {
			s.logger.Warn("cron schedule check failed", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(job)
	}
}

func (s *Scheduler) fire(job config.CronJob) {
	sessionKey := job.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildCronSessionKey(job.AgentID, job.Name, uuid.NewString())
	}

	runID := s.dispatcher.Start(agent.StartParams{
		SessionKey: sessionKey,
		Message:    job.Message,
		Lane:       Lane,
	})
	s.logger.Info("cron job dispatched", "job", job.Name, "runId", runID, "sessionKey", sessionKey)
}
