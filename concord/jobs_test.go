package concord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopJob(context.Context, *ScheduledJob) error { return nil }

func newTestRegistry(t testing.TB) *JobRegistry {
	t.Helper()
	return NewJobRegistry(testDB(t), testLogger(t))
}

func TestJobRegistryDuplicateAdd(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	runAt := time.Now().Add(time.Hour)
	job := &ScheduledJob{
		GuildID:   "g1",
		ID:        "welcome",
		ChannelID: "c1",
		Message:   "hello",
		Schedule:  OneShotAt(runAt),
		Run:       noopJob,
	}
	require.NoError(t, registry.Add(ctx, job))

	dup := &ScheduledJob{
		GuildID:  "g1",
		ID:       "welcome",
		Schedule: OneShotAt(time.Now().Add(2 * time.Hour)),
		Run:      noopJob,
	}
	err := registry.Add(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateJob)

	// The original job is unaffected.
	next, err := registry.NextRunTime("g1", "welcome")
	require.NoError(t, err)
	assert.True(t, next.Equal(runAt))

	// Same ID under a different guild scope is fine.
	other := &ScheduledJob{
		GuildID:  "g2",
		ID:       "welcome",
		Schedule: OneShotAt(time.Now().Add(time.Hour)),
		Run:      noopJob,
	}
	require.NoError(t, registry.Add(ctx, other))
}

func TestJobRegistryRemoveMissing(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	err := registry.Remove(ctx, "g1", "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.Empty(t, registry.Jobs())

	_, err = registry.NextRunTime("g1", "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRegistryOneShotInPast(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	job := &ScheduledJob{
		GuildID:  "g1",
		ID:       "stale",
		Schedule: OneShotAt(time.Now().Add(-5 * time.Minute)),
		Run:      noopJob,
	}
	err := registry.Add(ctx, job)
	require.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Empty(t, registry.Jobs())
}

func TestJobRegistryInvalidInterval(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	job := &ScheduledJob{
		GuildID:  "g1",
		ID:       "bad",
		Schedule: RecurringEvery(0, 0),
		Run:      noopJob,
	}
	require.ErrorIs(t, registry.Add(ctx, job), ErrInvalidSchedule)
}

func TestJobRegistryInvalidCron(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	for _, expr := range []string{"", "not a cron", "* * * *", "99 * * * *"} {
		job := &ScheduledJob{
			GuildID:  "g1",
			ID:       "cron-" + expr,
			Schedule: RecurringCron(expr),
			Run:      noopJob,
		}
		err := registry.Add(ctx, job)
		require.ErrorIs(t, err, ErrInvalidCronExpression, "expression %q", expr)
	}
}

func TestJobRegistryCronNextRun(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	// A known Monday at noon.
	monday := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, monday.Weekday())
	registry.now = func() time.Time { return monday }

	job := &ScheduledJob{
		GuildID:   "g1",
		ID:        "friday-announce",
		ChannelID: "c1",
		Message:   "it's friday",
		Schedule:  RecurringCron("0 19 * * 5"),
		Run:       noopJob,
	}
	require.NoError(t, registry.Add(ctx, job))

	next, err := registry.NextRunTime("g1", "friday-announce")
	require.NoError(t, err)
	expected := time.Date(2024, time.January, 5, 19, 0, 0, 0, time.UTC)
	assert.True(
		t, next.Equal(expected),
		"expected %s, got %s", expected, next,
	)
}

func TestJobRegistryCronWithSeconds(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	ref := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return ref }

	job := &ScheduledJob{
		GuildID:  "g1",
		ID:       "every-30s",
		Schedule: RecurringCron("*/30 * * * * *"),
		Run:      noopJob,
	}
	require.NoError(t, registry.Add(ctx, job))

	next, err := registry.NextRunTime("g1", "every-30s")
	require.NoError(t, err)
	assert.True(t, next.Equal(ref.Add(30*time.Second)))
}

func TestCronNextRunMonotonic(t *testing.T) {
	sched, err := cronParser.Parse("*/5 * * * *")
	require.NoError(t, err)

	current := time.Date(2024, time.March, 10, 0, 3, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		next := sched.Next(current)
		require.True(
			t, next.After(current),
			"next run %s not after %s", next, current,
		)
		assert.Zero(t, next.Minute()%5)
		current = next
	}
}

func TestJobRegistryDueJobs(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	now := time.Now()
	due := &ScheduledJob{
		GuildID:  "g1",
		ID:       "due",
		Schedule: RecurringEvery(time.Hour, 0),
		Run:      noopJob,
	}
	notDue := &ScheduledJob{
		GuildID:  "g1",
		ID:       "later",
		Schedule: OneShotAt(now.Add(time.Hour)),
		Run:      noopJob,
	}
	require.NoError(t, registry.Add(ctx, due))
	require.NoError(t, registry.Add(ctx, notDue))

	dueJobs := registry.DueJobs(time.Now())
	require.Len(t, dueJobs, 1)
	assert.Equal(t, "due", dueJobs[0].ID)
}

func TestJobRegistryRescheduleAlwaysFuture(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	job := &ScheduledJob{
		GuildID:  "g1",
		ID:       "tick",
		Schedule: RecurringEvery(time.Minute, 0),
		Run:      noopJob,
	}
	require.NoError(t, registry.Add(ctx, job))

	for i := 0; i < 10; i++ {
		now := time.Now()
		registry.reschedule(ctx, job, now)
		next, err := registry.NextRunTime("g1", "tick")
		require.NoError(t, err)
		assert.True(t, next.After(now))
	}
}

func TestJobRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	registry := NewJobRegistry(db, testLogger(t))

	job := &ScheduledJob{
		GuildID:   "g1",
		ID:        "announce",
		ChannelID: "c1",
		Message:   "weekly",
		Schedule:  RecurringCron("0 19 * * 5"),
		Run:       noopJob,
	}
	require.NoError(t, registry.Add(ctx, job))

	records, err := db.LoadAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "announce", records[0].JobID)
	assert.Equal(t, jobKindRecurringCron, records[0].Kind)
	assert.Equal(t, "0 19 * * 5", records[0].CronExpr)

	require.NoError(t, registry.Remove(ctx, "g1", "announce"))
	records, err = db.LoadAllJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
