package concord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobKind discriminates the scheduling behavior of a ScheduledJob.
type JobKind int

const (
	// JobOneShot runs once at a fixed time, then is removed.
	JobOneShot JobKind = iota
	// JobRecurring runs at a fixed interval.
	JobRecurring
	// JobRecurringCron runs on a cron expression (5 or 6 fields, the
	// optional leading field being seconds).
	JobRecurringCron
)

const (
	jobKindOneShot       = "one_shot"
	jobKindRecurring     = "recurring"
	jobKindRecurringCron = "cron"
)

func (k JobKind) String() string {
	switch k {
	case JobOneShot:
		return jobKindOneShot
	case JobRecurring:
		return jobKindRecurring
	case JobRecurringCron:
		return jobKindRecurringCron
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// cronParser accepts standard 5-field expressions plus an optional
// leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// JobSchedule is a tagged variant describing when a job runs. Exactly
// one of the kind-specific fields is meaningful, per Kind.
type JobSchedule struct {
	Kind JobKind

	// RunAt is the execution time for JobOneShot.
	RunAt time.Time

	// Interval is the cadence for JobRecurring.
	Interval time.Duration

	// StartDelay optionally postpones a JobRecurring job's first run.
	// Zero means the first run is due immediately.
	StartDelay time.Duration

	// CronExpr is the expression for JobRecurringCron.
	CronExpr string

	cronSchedule cron.Schedule
}

// OneShotAt returns a schedule that fires once at t.
func OneShotAt(t time.Time) JobSchedule {
	return JobSchedule{Kind: JobOneShot, RunAt: t}
}

// RecurringEvery returns a schedule that fires every interval, with the
// first run due after startDelay (immediately if zero).
func RecurringEvery(interval time.Duration, startDelay time.Duration) JobSchedule {
	return JobSchedule{Kind: JobRecurring, Interval: interval, StartDelay: startDelay}
}

// RecurringCron returns a schedule driven by a cron expression. The
// expression isn't validated until JobRegistry.Add.
func RecurringCron(expr string) JobSchedule {
	return JobSchedule{Kind: JobRecurringCron, CronExpr: expr}
}

// JobFunc is a job's payload callback. Errors are reported by the
// scheduler but never stop the scheduling loop.
type JobFunc func(ctx context.Context, job *ScheduledJob) error

// ScheduledJob is a named, cancellable unit of scheduled work, scoped
// per guild. NextRun is owned by the JobRegistry after Add.
type ScheduledJob struct {
	GuildID   string
	ID        string
	ChannelID string
	Message   string
	Schedule  JobSchedule
	Run       JobFunc

	nextRun time.Time
}

func (j *ScheduledJob) key() jobKey {
	return jobKey{guildID: j.GuildID, id: j.ID}
}

func (j *ScheduledJob) record() *JobRecord {
	rec := &JobRecord{
		GuildID:   j.GuildID,
		JobID:     j.ID,
		Kind:      j.Schedule.Kind.String(),
		ChannelID: j.ChannelID,
		Message:   j.Message,
	}
	switch j.Schedule.Kind {
	case JobOneShot:
		rec.RunAt = j.Schedule.RunAt.UnixMilli()
	case JobRecurring:
		rec.IntervalNS = int64(j.Schedule.Interval)
	case JobRecurringCron:
		rec.CronExpr = j.Schedule.CronExpr
	}
	return rec
}

func scheduleFromRecord(rec JobRecord) (JobSchedule, error) {
	switch rec.Kind {
	case jobKindOneShot:
		return OneShotAt(time.UnixMilli(rec.RunAt)), nil
	case jobKindRecurring:
		return RecurringEvery(time.Duration(rec.IntervalNS), 0), nil
	case jobKindRecurringCron:
		return RecurringCron(rec.CronExpr), nil
	default:
		return JobSchedule{}, fmt.Errorf("unknown job kind %q", rec.Kind)
	}
}

// JobInfo is a read-only snapshot of a registered job, for listings.
type JobInfo struct {
	GuildID   string    `json:"guild_id"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ChannelID string    `json:"channel_id"`
	Message   string    `json:"message"`
	NextRun   time.Time `json:"next_run"`
}

type jobKey struct {
	guildID string
	id      string
}

// JobRegistry holds the live job table. All NextRun reads and writes
// happen under its mutex; insertions are insert-if-absent so two
// concurrent Adds for the same key can't both succeed.
//
// Writes go through to the store, but a failed durable write doesn't
// evict the in-memory job: availability wins over durability here.
type JobRegistry struct {
	mu     sync.Mutex
	jobs   map[jobKey]*ScheduledJob
	db     DBI
	logger *slog.Logger

	// now is time.Now outside of tests
	now func() time.Time
}

func NewJobRegistry(db DBI, log *slog.Logger) *JobRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &JobRegistry{
		jobs:   map[jobKey]*ScheduledJob{},
		db:     db,
		logger: log.With(loggerNameKey, "job_registry"),
		now:    time.Now,
	}
}

// validate checks the schedule and resolves the cron expression,
// returning the job's initial NextRun.
func (r *JobRegistry) validate(job *ScheduledJob, now time.Time) (time.Time, error) {
	switch job.Schedule.Kind {
	case JobOneShot:
		if !job.Schedule.RunAt.After(now) {
			return time.Time{}, fmt.Errorf(
				"%w: one-shot job %q execution time %s is in the past",
				ErrInvalidSchedule, job.ID, job.Schedule.RunAt,
			)
		}
		return job.Schedule.RunAt, nil
	case JobRecurring:
		if job.Schedule.Interval <= 0 {
			return time.Time{}, fmt.Errorf(
				"%w: recurring job %q interval must be positive",
				ErrInvalidSchedule, job.ID,
			)
		}
		return now.Add(job.Schedule.StartDelay), nil
	case JobRecurringCron:
		sched, err := cronParser.Parse(job.Schedule.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf(
				"%w: %q: %v", ErrInvalidCronExpression, job.Schedule.CronExpr, err,
			)
		}
		job.Schedule.cronSchedule = sched
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidSchedule, job.Schedule.Kind)
	}
}

// Add registers a job and persists its definition. The job ID must be
// unique within its guild scope.
func (r *JobRegistry) Add(ctx context.Context, job *ScheduledJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := job.key()
	if _, ok := r.jobs[key]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateJob, job.GuildID, job.ID)
	}

	next, err := r.validate(job, r.now())
	if err != nil {
		return err
	}
	job.nextRun = next
	r.jobs[key] = job

	if err := r.db.SaveJob(ctx, job.record()); err != nil {
		r.logger.Error(
			"job added but durable write failed",
			"guild_id", job.GuildID,
			"job_id", job.ID,
			"error", err,
		)
	}
	return nil
}

// Remove deletes a job from the registry and the store.
func (r *JobRegistry) Remove(ctx context.Context, guildID string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := jobKey{guildID: guildID, id: id}
	if _, ok := r.jobs[key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrJobNotFound, guildID, id)
	}
	delete(r.jobs, key)

	if err := r.db.DeleteJob(ctx, guildID, id); err != nil {
		r.logger.Error(
			"job removed but durable delete failed",
			"guild_id", guildID,
			"job_id", id,
			"error", err,
		)
	}
	return nil
}

// NextRunTime returns the job's currently scheduled run time.
func (r *JobRegistry) NextRunTime(guildID string, id string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobKey{guildID: guildID, id: id}]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, guildID, id)
	}
	return job.nextRun, nil
}

// DueJobs returns the jobs whose NextRun is at or before now. The
// slice is a snapshot; the scheduler recomputes it every tick.
func (r *JobRegistry) DueJobs(now time.Time) []*ScheduledJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*ScheduledJob
	for _, job := range r.jobs {
		if !job.nextRun.After(now) {
			due = append(due, job)
		}
	}
	return due
}

// Jobs returns snapshots of every registered job, for listings.
func (r *JobRegistry) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]JobInfo, 0, len(r.jobs))
	for _, job := range r.jobs {
		infos = append(
			infos, JobInfo{
				GuildID:   job.GuildID,
				ID:        job.ID,
				Kind:      job.Schedule.Kind.String(),
				ChannelID: job.ChannelID,
				Message:   job.Message,
				NextRun:   job.nextRun,
			},
		)
	}
	return infos
}

// reschedule recomputes a recurring job's NextRun from now, or removes
// a one-shot job after it has fired. The recomputed time is always
// strictly after now.
func (r *JobRegistry) reschedule(ctx context.Context, job *ScheduledJob, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := job.key()
	if _, ok := r.jobs[key]; !ok {
		// Removed while in flight; nothing to reschedule.
		return
	}

	switch job.Schedule.Kind {
	case JobOneShot:
		delete(r.jobs, key)
		if err := r.db.DeleteJob(ctx, job.GuildID, job.ID); err != nil {
			r.logger.Error(
				"fired one-shot job but durable delete failed",
				"guild_id", job.GuildID,
				"job_id", job.ID,
				"error", err,
			)
		}
	case JobRecurring:
		job.nextRun = now.Add(job.Schedule.Interval)
	case JobRecurringCron:
		job.nextRun = job.Schedule.cronSchedule.Next(now)
	}
}

// Restore rebuilds the registry from persisted job records, attaching
// run to each job. One-shot records whose execution time has already
// passed are discarded, including their durable rows. Returns the
// number of restored and discarded jobs.
//
// Restore must complete before the scheduler starts ticking and before
// external Add/Remove calls are accepted.
func (r *JobRegistry) Restore(ctx context.Context, run JobFunc) (int, int, error) {
	records, err := r.db.LoadAllJobs(ctx)
	if err != nil {
		return 0, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var restored, discarded int
	for _, rec := range records {
		sched, err := scheduleFromRecord(rec)
		if err != nil {
			r.logger.Error(
				"skipping unreadable job record",
				"guild_id", rec.GuildID,
				"job_id", rec.JobID,
				"error", err,
			)
			continue
		}
		job := &ScheduledJob{
			GuildID:   rec.GuildID,
			ID:        rec.JobID,
			ChannelID: rec.ChannelID,
			Message:   rec.Message,
			Schedule:  sched,
			Run:       run,
		}
		next, err := r.validate(job, now)
		if err != nil {
			// Stale one-shot (or a record that no longer parses):
			// garbage-collect it.
			discarded++
			if delErr := r.db.DeleteJob(ctx, rec.GuildID, rec.JobID); delErr != nil {
				r.logger.Error(
					"failed deleting stale job record",
					"guild_id", rec.GuildID,
					"job_id", rec.JobID,
					"error", delErr,
				)
			}
			r.logger.Info(
				"discarded stale job",
				"guild_id", rec.GuildID,
				"job_id", rec.JobID,
				"error", err,
			)
			continue
		}
		job.nextRun = next
		r.jobs[job.key()] = job
		restored++
	}
	return restored, discarded, nil
}
