package concord

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Scheduler drives the JobRegistry from a single cooperative tick loop.
// Due jobs are launched fire-and-continue: the loop never waits for a
// callback to finish before the next tick, but an in-flight guard keyed
// by job ID keeps any single job from overlapping itself.
type Scheduler struct {
	registry *JobRegistry
	config   *SchedulerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[jobKey]struct{}

	wg  sync.WaitGroup
	now func() time.Time
}

func NewScheduler(registry *JobRegistry, config *SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		config:   config,
		logger:   log.With(loggerNameKey, "scheduler"),
		inFlight: map[jobKey]struct{}{},
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight job
// callbacks to drain. The caller bounds the drain with its own
// shutdown timeout.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.config.TickInterval
	if interval <= 0 {
		interval = DefaultSchedulerTickInterval
	}
	s.logger.InfoContext(ctx, "scheduler started", "tick_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, draining in-flight jobs")
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, job := range s.registry.DueJobs(now) {
		if !s.claim(job.key()) {
			// Previous invocation still in flight.
			continue
		}
		s.wg.Add(1)
		go s.execute(ctx, job)
	}
}

// claim marks a job as in flight. Returns false if it already is.
func (s *Scheduler) claim(key jobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[key]; ok {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key jobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// execute runs a single job callback, then reschedules (or, for
// one-shot jobs, removes) it. Callback errors and panics are logged
// and never propagate to the tick loop.
func (s *Scheduler) execute(ctx context.Context, job *ScheduledJob) {
	key := job.key()
	defer s.wg.Done()
	defer s.release(key)
	defer func() {
		if rc := recover(); rc != nil {
			s.logger.Error(
				"job callback panicked",
				"guild_id", job.GuildID,
				"job_id", job.ID,
				"panic", fmt.Sprintf("%v", rc),
				"stack", string(debug.Stack()),
			)
			s.registry.reschedule(ctx, job, s.now())
		}
	}()

	if err := job.Run(ctx, job); err != nil {
		s.logger.ErrorContext(
			ctx,
			"job callback failed",
			"guild_id", job.GuildID,
			"job_id", job.ID,
			"kind", job.Schedule.Kind.String(),
			"error", err,
		)
	}
	s.registry.reschedule(ctx, job, s.now())
}
