package concord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/talligan/concord/concord.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

var jobSendTimeout = 30 * time.Second

// Concord is the main application struct: it owns the configuration,
// the database, the Discord integration, the job scheduler, the
// session manager and the admin API, and wires them together.
type Concord struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db     DBI
	gormDB *gorm.DB

	discord   *Discord
	jobs      *JobRegistry
	scheduler *Scheduler
	sessions  *SessionManager
	questions QuestionSource
	api       *API

	// HTTPClient is used for outbound content API calls. Overridable
	// for tests; defaults to http.DefaultClient.
	HTTPClient *http.Client

	// runCtx is the runtime context, valid between Run and shutdown.
	// Command handlers and sessions hang off of it.
	runCtx context.Context
}

// New assembles a Concord instance from config. The database isn't
// opened and Discord isn't connected until Run.
func New(config *Config) (*Concord, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	co := &Concord{
		config:     config,
		HTTPClient: http.DefaultClient,
	}

	co.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	co.logger = slog.New(co.logHandler)
	slog.SetDefault(co.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	co.discord = newDiscord(
		config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		),
	)
	co.discord.commandHandler = co.handleCommand

	co.sessions = NewSessionManager(co.logger)
	co.questions = newOpenTDBClient(config.Trivia, co.HTTPClient, co.logger)

	api, err := newAPI(co, config.API)
	if err != nil {
		return nil, err
	}
	co.api = api

	return co, nil
}

// initDB opens the SQLite database, runs migrations and builds the
// job registry from its persisted definitions. Stale one-shot jobs
// are garbage-collected here, before the scheduler starts and before
// any external Add/Remove can arrive.
func (co *Concord) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{Level: co.config.DatabaseLogLevel},
		),
		co.config.DatabaseSlowThreshold,
	)
	db, err := createDB(ctx, co.config.Database, gormLogger)
	if err != nil {
		return err
	}
	co.gormDB = db
	co.db = NewDatabase(db, co.logger)

	co.jobs = NewJobRegistry(co.db, co.logger)
	restored, discarded, err := co.jobs.Restore(ctx, co.broadcastJob)
	if err != nil {
		return fmt.Errorf("error restoring jobs: %w", err)
	}
	co.logger.InfoContext(
		ctx,
		"job recovery complete",
		"restored", restored,
		"discarded_stale", discarded,
	)

	co.scheduler = NewScheduler(co.jobs, co.config.Scheduler, co.logger)
	return nil
}

// broadcastJob is the payload callback for reminder and announcement
// jobs: deliver the job's message to its target channel.
func (co *Concord) broadcastJob(ctx context.Context, job *ScheduledJob) error {
	sendCtx, cancel := context.WithTimeout(ctx, jobSendTimeout)
	defer cancel()
	_, err := co.discord.SendMessage(sendCtx, job.ChannelID, job.Message)
	return err
}

// Run starts the bot and blocks until ctx is cancelled, then shuts
// down gracefully within the configured shutdown timeout.
func (co *Concord) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	co.runCtx = runCtx

	startCtx, cancelStart := context.WithTimeout(ctx, co.config.StartupTimeout)
	defer cancelStart()

	if err := co.initDB(startCtx); err != nil {
		return err
	}
	if err := co.discord.connect(); err != nil {
		return err
	}
	if err := co.discord.registerCommands(co.slashCommands()); err != nil {
		co.logger.Error("slash command registration failed", "error", err)
	}
	co.logger.InfoContext(
		startCtx,
		"startup complete",
		"version", Version,
		"commit", CommitSHA,
	)

	runtime, runtimeCtx := errgroup.WithContext(runCtx)
	runtime.Go(
		func() error {
			co.scheduler.Run(runtimeCtx)
			return nil
		},
	)
	if co.config.API.Enabled {
		runtime.Go(
			func() error {
				return co.api.Serve(runtimeCtx)
			},
		)
	}

	<-ctx.Done()
	co.logger.Info("shutting down")
	return co.shutdown(runtime, cancelRun)
}

// shutdown ends live sessions (their final summaries/tallies still go
// out), stops the scheduler and API, and closes the Discord session.
func (co *Concord) shutdown(runtime *errgroup.Group, cancelRun context.CancelFunc) error {
	timeout := co.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	for _, info := range co.sessions.Sessions() {
		co.sessions.End(info.SessionKey)
	}
	cancelRun()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runtime.Wait()
	}()

	var errs []error
	select {
	case err := <-doneCh:
		errs = append(errs, err)
	case <-time.After(timeout):
		errs = append(errs, errors.New("shutdown timed out"))
	}

	if err := co.discord.close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}
	if co.gormDB != nil {
		if sqlDB, err := co.gormDB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	co.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
