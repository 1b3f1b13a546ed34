package jobs

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
)

const (
	statusGaugeJob  = "session_status_gauge"
	stalePendingJob = "stale_pending_report"
)

type Store interface {
	CountSessionsByStatus(ctx context.Context) (map[model.SessionStatus]int, error)
	ListStalePending(ctx context.Context, before time.Time) ([]model.Session, error)
}

type Options struct {
	StalePendingAfter time.Duration
	Clock             clockwork.Clock
	Metrics           *metrics.Registry
	Logger            *logger.Logger
}

type Runner struct {
	store      Store
	staleAfter time.Duration
	clock      clockwork.Clock
	metrics    *metrics.Registry
	log        *logger.Logger
}

func NewRunner(store Store, opts Options) *Runner {
	if opts.StalePendingAfter <= 0 {
		opts.StalePendingAfter = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Runner{
		store:      store,
		staleAfter: opts.StalePendingAfter,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, statusGaugeJob, 1*time.Minute, r.publishStatusCounts)
	go r.runEvery(ctx, stalePendingJob, 2*time.Minute, r.reportStalePending)
}

func (r *Runner) publishStatusCounts(ctx context.Context) error {
	counts, err := r.store.CountSessionsByStatus(ctx)
	if err != nil {
		return err
	}
	// Statuses with no rows are absent from the query result and must read 0.
	for _, status := range []model.SessionStatus{model.SessionPending, model.SessionActive, model.SessionPaused} {
		r.metrics.Sessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}

// reportStalePending surfaces sessions whose run call never completed. It
// does not modify them.
func (r *Runner) reportStalePending(ctx context.Context) error {
	before := r.clock.Now().Add(-r.staleAfter)
	stale, err := r.store.ListStalePending(ctx, before)
	if err != nil {
		return err
	}
	for _, sess := range stale {
		r.log.Warn("stale pending session",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"app_release_uuid", sess.AppReleaseUUID,
			"updated", sess.Updated,
		)
	}
	r.metrics.StalePending.Set(float64(len(stale)))
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := r.clock.Now()
	err := fn(ctx)
	dur := r.clock.Since(start)
	r.metrics.JobDuration.WithLabelValues(name).Observe(dur.Seconds())
	if err != nil {
		r.log.Error("job run failed", "job", name, "duration_ms", dur.Milliseconds(), "error", err)
		r.metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return
	}
	r.log.Debug("job run ok", "job", name, "duration_ms", dur.Milliseconds())
	r.metrics.JobRuns.WithLabelValues(name, "ok").Inc()
}
