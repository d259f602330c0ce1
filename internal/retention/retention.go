// Package retention prunes old read notifications on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// retryDelay is how long the loop waits after a schedule error.
const retryDelay = 30 * time.Second

// Pruner removes read notifications created before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs the pruner on every tick of a cron expression.
type Scheduler struct {
	cron   string
	period time.Duration
	pruner Pruner
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates cron and returns a scheduler that keeps notifications
// younger than period.
func New(cron string, period time.Duration, pruner Pruner, log *logger.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cron)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", period)
	}
	return &Scheduler{
		cron:   cron,
		period: period,
		pruner: pruner,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// RunOnce prunes immediately. A run that overlaps another is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cutoff := s.now().Add(-s.period)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Retention run completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("pruned", n),
	)
	return n, nil
}

// Run blocks until ctx is done, pruning on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Retention scheduler started", zap.String("cron", s.cron), zap.Duration("period", s.period))
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.logger.Error("Failed to compute next retention tick", zap.String("cron", s.cron), zap.Error(err))
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		if !sleep(ctx, time.Until(next)) {
			s.logger.Info("Retention scheduler stopped")
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Retention run failed", zap.Error(err))
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
