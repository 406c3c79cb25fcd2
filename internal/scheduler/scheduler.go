package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-board/internal/observability"
)

// Refresher is the part of the weather store the scheduler drives.
type Refresher interface {
	RefreshAll(ctx context.Context, force bool) error
}

// Scheduler periodically asks the store for a non-forced refresh, so the
// board is refetched once it leaves the staleness window.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	refresher  Refresher
	interval   time.Duration
	runTimeout time.Duration
	logger     *zap.Logger
}

// New creates a Scheduler. interval <= 0 disables it; runTimeout <= 0 means
// runs are bounded only by the fetcher's own timeouts.
func New(refresher Refresher, interval, runTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		refresher:  refresher,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Start schedules the refresh job and starts the underlying scheduler.
// The first run happens one interval after Start.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("scheduled refresh disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).WaitForSchedule().SingletonMode().Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduled refresh started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	if err := s.refresher.RefreshAll(ctx, false); err != nil {
		observability.SchedulerRunsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("scheduled refresh failed", zap.Error(err))
		return
	}
	observability.SchedulerRunsTotal.WithLabelValues("success").Inc()
	s.logger.Debug("scheduled refresh completed")
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
