package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/observability"
)

// Fallback intervals when the configuration leaves one unset.
const (
	defaultExpiryInterval     = time.Minute
	defaultReminderInterval   = time.Hour
	defaultAuditFlushInterval = 30 * time.Second
)

type expirer interface {
	ExpireDue(ctx context.Context) (int, error)
	SendReminders(ctx context.Context) (int, error)
}

type flusher interface {
	Flush(ctx context.Context) (int, error)
	Pending() int
}

// scheduler drives the time-based parts of the signing workflow: expiring
// overdue requests, sending reminders, and retrying unwritten audit entries.
type scheduler struct {
	engine  expirer
	trail   flusher
	metrics *observability.Metrics
	logger  *zap.Logger
}

func newScheduler(engine expirer, trail flusher, metrics *observability.Metrics, logger *zap.Logger) *scheduler {
	return &scheduler{engine: engine, trail: trail, metrics: metrics, logger: logger}
}

// start launches one loop per job. The returned channel is closed once ctx is
// done and every job, including one mid-run, has returned.
func (s *scheduler) start(ctx context.Context, cfg config.SchedulerConfig) <-chan struct{} {
	var wg sync.WaitGroup
	launch := func(name string, interval, fallback time.Duration, job func(context.Context)) {
		if interval <= 0 {
			interval = fallback
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			every(ctx, interval, job)
		}()
		s.logger.Info("scheduler job started", zap.String("job", name), zap.Duration("interval", interval))
	}

	launch("expire", cfg.ExpiryInterval, defaultExpiryInterval, s.expire)
	launch("remind", cfg.ReminderInterval, defaultReminderInterval, s.remind)
	launch("audit_flush", cfg.AuditFlushInterval, defaultAuditFlushInterval, s.flush)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (s *scheduler) expire(ctx context.Context) {
	n, err := s.engine.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("expiring due requests failed", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired due requests", zap.Int("expired", n))
	}
}

func (s *scheduler) remind(ctx context.Context) {
	n, err := s.engine.SendReminders(ctx)
	if err != nil {
		s.logger.Error("sending reminders failed", zap.Int("reminded", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("sent reminders", zap.Int("requests", n))
	}
}

func (s *scheduler) flush(ctx context.Context) {
	if s.trail.Pending() == 0 {
		return
	}
	n, err := s.trail.Flush(ctx)
	if err != nil {
		s.logger.Warn("audit flush incomplete", zap.Int("flushed", n), zap.Int("pending", s.trail.Pending()), zap.Error(err))
		return
	}
	s.metrics.RecordSchedulerProcessed("audit_flush", n)
}

// every calls job once per interval until ctx is done.
func every(ctx context.Context, interval time.Duration, job func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}
