// Package retention prunes old run journal entries on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/rlm/internal/storage"
)

// Pruner deletes journal entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs Prune on a schedule.
type Scheduler struct {
	pruner   Pruner
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New validates cfg and creates a Scheduler. Standard five-field
// expressions and descriptors such as "@daily" are accepted.
func New(pruner Pruner, cfg storage.RetentionConfig, logger *slog.Logger) (*Scheduler, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = storage.DefaultRetentionSchedule
	}
	days := cfg.Days
	if days <= 0 {
		days = storage.DefaultRetentionDays
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", spec, err)
	}

	return &Scheduler{
		pruner:   pruner,
		schedule: schedule,
		spec:     spec,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce prunes entries older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.maxAge)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "journal pruning failed", slog.String("error", err.Error()))
		return 0, err
	}
	s.logger.InfoContext(ctx, "journal pruned",
		slog.Int64("deleted", n),
		slog.Time("cutoff", cutoff),
	)
	return n, nil
}

// Start begins pruning on the schedule. Returns a stop function that waits
// for a running prune to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		_, _ = s.RunOnce(ctx)
	}))
	c.Start()

	s.logger.InfoContext(ctx, "journal retention started",
		slog.String("schedule", s.spec),
		slog.Duration("max_age", s.maxAge),
	)

	return func() {
		<-c.Stop().Done()
		s.logger.Info("journal retention stopped")
	}
}
