package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes records older than a cutoff. ledger.Store implements it.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler periodically prunes the usage ledger down to a retention window.
type Scheduler struct {
	pruner    Pruner
	schedule  Schedule
	expr      string
	retention time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewScheduler creates a scheduler that runs on schedule (a cron expression or a Go
// duration) and removes entries older than retention.
func NewScheduler(pruner Pruner, schedule string, retention time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner cannot be nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	parsed, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule %q: %w", schedule, err)
	}
	return &Scheduler{
		pruner:    pruner,
		schedule:  parsed,
		expr:      schedule,
		retention: retention,
		timeout:   time.Minute,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}, nil
}

// Start runs the prune loop until ctx is cancelled. It prunes once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Str("schedule", s.expr).Dur("retention", s.retention).Msg("Starting scheduler")

	s.RunOnce(ctx)

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Scheduler stopped: context cancelled")
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce prunes entries older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.Prune(runCtx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to prune usage ledger")
		return
	}
	s.logger.Debug().Int64("removed", removed).Time("cutoff", cutoff).Msg("Prune completed")
}
