package concord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTriviaPointsAccumulates(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	total, err := db.AddTriviaPoints(ctx, "g1", "u1", "alice", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	total, err = db.AddTriviaPoints(ctx, "g1", "u1", "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	// Other guilds and users don't share totals.
	total, err = db.AddTriviaPoints(ctx, "g2", "u1", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	total, err = db.AddTriviaPoints(ctx, "g1", "u2", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAddTriviaPointsClampsAtZero(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	total, err := db.AddTriviaPoints(ctx, "g1", "u1", "alice", -1)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = db.AddTriviaPoints(ctx, "g1", "u1", "alice", 2)
	require.NoError(t, err)
	total, err = db.AddTriviaPoints(ctx, "g1", "u1", "alice", -5)
	require.NoError(t, err)
	assert.Zero(t, total, "score must clamp at zero, not go negative")
}

func TestAddTriviaPointsUpdatesUsername(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	_, err := db.AddTriviaPoints(ctx, "g1", "u1", "old-name", 1)
	require.NoError(t, err)
	_, err = db.AddTriviaPoints(ctx, "g1", "u1", "new-name", 1)
	require.NoError(t, err)

	scores, err := db.TopTriviaScores(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "new-name", scores[0].Username)
	assert.Equal(t, 2, scores[0].Points)
}

func TestGetTriviaScore(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	// Unknown users read as zero, not as an error.
	score, err := db.GetTriviaScore(ctx, "g1", "stranger")
	require.NoError(t, err)
	assert.Zero(t, score.Points)

	_, err = db.AddTriviaPoints(ctx, "g1", "u1", "alice", 4)
	require.NoError(t, err)
	score, err = db.GetTriviaScore(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, score.Points)
	assert.Equal(t, "alice", score.Username)
}

func TestTopTriviaScoresOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for user, points := range map[string]int{"u1": 2, "u2": 7, "u3": 5} {
		_, err := db.AddTriviaPoints(ctx, "g1", user, "name-"+user, points)
		require.NoError(t, err)
	}
	_, err := db.AddTriviaPoints(ctx, "g2", "outsider", "outsider", 100)
	require.NoError(t, err)

	scores, err := db.TopTriviaScores(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, "u2", scores[0].UserID)
	assert.Equal(t, "u3", scores[1].UserID)
	assert.Equal(t, "u1", scores[2].UserID)

	scores, err = db.TopTriviaScores(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "u2", scores[0].UserID)
}

func TestGetOrCreateGuildConfigDefaults(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	cfg, err := db.GetOrCreateGuildConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "!", cfg.CommandPrefix)
	assert.True(t, cfg.TriviaEnabled)
	assert.True(t, cfg.PollsEnabled)

	cfg.TriviaEnabled = false
	cfg.CommandPrefix = "?"
	require.NoError(t, db.UpdateGuildConfig(ctx, cfg))

	// The same row comes back on the next lookup, not fresh defaults.
	got, err := db.GetOrCreateGuildConfig(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, got.TriviaEnabled)
	assert.True(t, got.PollsEnabled)
	assert.Equal(t, "?", got.CommandPrefix)
}

func TestSaveJobUpsert(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	rec := &JobRecord{
		GuildID:   "g1",
		JobID:     "announce",
		Kind:      jobKindRecurringCron,
		CronExpr:  "0 19 * * 5",
		ChannelID: "c1",
		Message:   "original",
	}
	require.NoError(t, db.SaveJob(ctx, rec))

	rec.Message = "updated"
	require.NoError(t, db.SaveJob(ctx, rec))

	records, err := db.LoadAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "updated", records[0].Message)
}

func TestDeleteJobMissingIsNoError(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	// Deleting a job that was never persisted is not a failure; the
	// registry is the authority on existence.
	require.NoError(t, db.DeleteJob(ctx, "g1", "never-existed"))
}
