package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// runTimeout bounds one scheduled evaluation pass.
const runTimeout = 30 * time.Second

// Scheduler runs threshold evaluation on a cron schedule.
type Scheduler struct {
	evaluator *Evaluator
	schedule  string
	cron      *cron.Cron
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a scheduler around evaluator. schedule uses standard
// five-field cron syntax; an empty schedule disables the scheduler.
func NewScheduler(evaluator *Evaluator, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		evaluator: evaluator,
		schedule:  schedule,
		cron:      cron.New(),
		logger:    logger.With("component", "alerting.scheduler"),
	}
}

// Start validates the schedule and begins periodic evaluation. The
// scheduler stops itself when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" {
		s.logger.Info("evaluation schedule not configured, scheduler disabled")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid evaluation schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.runOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule threshold evaluation: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("threshold evaluation scheduled", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for an in-flight evaluation to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("threshold evaluation scheduler stopped")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	result, err := s.evaluator.CheckThresholds(runCtx)
	if err != nil {
		s.logger.Error("threshold evaluation failed", "error", err)
		return
	}
	if result.Created > 0 {
		s.logger.Info("threshold evaluation pass complete",
			"checked", result.Checked,
			"created", result.Created)
	}
}
