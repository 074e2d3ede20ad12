package concord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// JobRecord is the durable mirror of a ScheduledJob, used to rebuild the
// in-memory registry at startup. One row per (guild, job) pair.
type JobRecord struct {
	GuildID    string `gorm:"primaryKey" json:"guild_id"`
	JobID      string `gorm:"primaryKey" json:"job_id"`
	Kind       string `json:"kind"`
	RunAt      int64  `json:"run_at,omitempty"`
	IntervalNS int64  `json:"interval_ns,omitempty"`
	CronExpr   string `json:"cron_expr,omitempty"`
	ChannelID  string `json:"channel_id"`
	Message    string `json:"message"`
	ModelUnixTime
}

// GuildConfig holds per-guild settings. Reads and writes are rare and
// scoped per guild, so last-writer-wins is acceptable here.
type GuildConfig struct {
	GuildID       string `gorm:"primaryKey" json:"guild_id"`
	CommandPrefix string `gorm:"default:!" json:"command_prefix"`
	TriviaEnabled bool   `gorm:"default:true" json:"trivia_enabled"`
	PollsEnabled  bool   `gorm:"default:true" json:"polls_enabled"`
	ModelUnixTime
}

// TriviaScore is a user's cumulative trivia score within one guild.
// Points never goes below zero.
type TriviaScore struct {
	GuildID  string `gorm:"primaryKey" json:"guild_id"`
	UserID   string `gorm:"primaryKey" json:"user_id"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	ModelUnixTime
}

// DBI is the interface the rest of the bot uses for persistence. Tests
// substitute lighter implementations where a real database is overkill.
type DBI interface {
	LoadAllJobs(ctx context.Context) ([]JobRecord, error)
	SaveJob(ctx context.Context, rec *JobRecord) error
	DeleteJob(ctx context.Context, guildID string, jobID string) error

	GetOrCreateGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	UpdateGuildConfig(ctx context.Context, cfg *GuildConfig) error

	AddTriviaPoints(
		ctx context.Context,
		guildID string,
		userID string,
		username string,
		delta int,
	) (int, error)
	GetTriviaScore(ctx context.Context, guildID string, userID string) (*TriviaScore, error)
	TopTriviaScores(ctx context.Context, guildID string, limit int) ([]TriviaScore, error)
}

// database implements DBI over a GORM SQLite connection. SQLite has a
// single writer, so all mutating operations serialize on mu.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// CreateDB opens (creating if necessary) the SQLite database at path,
// applies the connection pragmas and runs migrations.
func CreateDB(ctx context.Context, path string) (*gorm.DB, error) {
	return createDB(ctx, path, nil)
}

func createDB(ctx context.Context, path string, gormLogger *gormStructuredLogger) (
	*gorm.DB,
	error,
) {
	gormCfg := &gorm.Config{}
	if gormLogger != nil {
		gormCfg.Logger = gormLogger
	}
	db, err := gorm.Open(sqlite.Open(path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database %q: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&JobRecord{},
		&GuildConfig{},
		&TriviaScore{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// NewDatabase wraps a GORM connection in the DBI implementation.
func NewDatabase(db *gorm.DB, log *slog.Logger) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:     db,
		logger: log.With(loggerNameKey, "database"),
	}
}

func (d *database) LoadAllJobs(ctx context.Context) ([]JobRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var records []JobRecord
	if err := d.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: loading jobs: %w", ErrPersistence, err)
	}
	return records, nil
}

func (d *database) SaveJob(ctx context.Context, rec *JobRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	if err := d.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("%w: saving job %s/%s: %w", ErrPersistence, rec.GuildID, rec.JobID, err)
	}
	return nil
}

func (d *database) DeleteJob(ctx context.Context, guildID string, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND job_id = ?", guildID, jobID,
	).Delete(&JobRecord{}).Error
	if err != nil {
		return fmt.Errorf("%w: deleting job %s/%s: %w", ErrPersistence, guildID, jobID, err)
	}
	return nil
}

func (d *database) GetOrCreateGuildConfig(ctx context.Context, guildID string) (
	*GuildConfig,
	error,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	cfg := GuildConfig{GuildID: guildID}
	err := d.db.WithContext(ctx).Where(
		GuildConfig{GuildID: guildID},
	).FirstOrCreate(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("%w: guild config %s: %w", ErrPersistence, guildID, err)
	}
	return &cfg, nil
}

func (d *database) UpdateGuildConfig(ctx context.Context, cfg *GuildConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	if err := d.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("%w: updating guild config %s: %w", ErrPersistence, cfg.GuildID, err)
	}
	return nil
}

// AddTriviaPoints applies delta to the user's cumulative score within a
// transaction, clamping the result at zero, and returns the new total.
func (d *database) AddTriviaPoints(
	ctx context.Context,
	guildID string,
	userID string,
	username string,
	delta int,
) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var total int
	err := d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			score := TriviaScore{GuildID: guildID, UserID: userID}
			err := tx.Where(
				TriviaScore{GuildID: guildID, UserID: userID},
			).First(&score).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				score = TriviaScore{GuildID: guildID, UserID: userID}
			case err != nil:
				return err
			}
			score.Username = username
			score.Points += delta
			if score.Points < 0 {
				score.Points = 0
			}
			total = score.Points
			return tx.Save(&score).Error
		},
	)
	if err != nil {
		return 0, fmt.Errorf(
			"%w: adding %d points for %s/%s: %w",
			ErrPersistence, delta, guildID, userID, err,
		)
	}
	return total, nil
}

// GetTriviaScore returns the user's cumulative score row, or a zeroed
// row for users who have never scored.
func (d *database) GetTriviaScore(ctx context.Context, guildID string, userID string) (
	*TriviaScore,
	error,
) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	score := TriviaScore{GuildID: guildID, UserID: userID}
	err := d.db.WithContext(ctx).Where(
		TriviaScore{GuildID: guildID, UserID: userID},
	).First(&score).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &TriviaScore{GuildID: guildID, UserID: userID}, nil
	case err != nil:
		return nil, fmt.Errorf("%w: score for %s/%s: %w", ErrPersistence, guildID, userID, err)
	}
	return &score, nil
}

func (d *database) TopTriviaScores(ctx context.Context, guildID string, limit int) (
	[]TriviaScore,
	error,
) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var scores []TriviaScore
	err := d.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("points desc").Limit(limit).Find(&scores).Error
	if err != nil {
		return nil, fmt.Errorf("%w: top scores for %s: %w", ErrPersistence, guildID, err)
	}
	return scores, nil
}
