//nolint:lll // struct tags can't be split
package concord

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultDatabase              = "concord.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultSchedulerLogLevel     = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultSchedulerTickInterval = time.Second

	DefaultTriviaAnswerWindow   = 30 * time.Second
	DefaultTriviaMaxQuestions   = 20
	DefaultTriviaQuestionURL    = "https://opentdb.com/api.php"
	DefaultTriviaRequestsPerSec = 1

	DefaultPollDuration   = time.Hour
	DefaultPollMaxOptions = 7

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	defaultListenNetwork    = "tcp"
	DefaultDiscordGateway   = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	DefaultStartupMessage   = "I'm here!"
	discordMaxMessageLength = 2000
)

var structValidator = validator.New()

// Config is the top-level configuration for the Concord bot.
//
// Field defaults are set via viper in cmd/root.go, mirroring the
// Default* constants above.
type Config struct {
	// Database is the path to the SQLite database file
	Database string `yaml:"database" mapstructure:"database" json:"database" validate:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds DB init, job recovery and the Discord connect
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds the graceful shutdown on SIGTERM/SIGINT
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the bot connection and slash commands
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Scheduler configures the broadcast job scheduler
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// Trivia configures trivia sessions and the question source
	Trivia *TriviaConfig `yaml:"trivia" mapstructure:"trivia" json:"trivia"`

	// Poll configures poll sessions
	Poll *PollConfig `yaml:"poll" mapstructure:"poll" json:"poll"`

	// API configures the backend admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Development disables TLS-ish niceties and enables gin debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

type DiscordConfig struct {
	Token             string            `yaml:"token" mapstructure:"token" json:"-"`
	ApplicationID     string            `yaml:"application_id" mapstructure:"application_id" json:"application_id"`
	GuildID           string            `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`
	GatewayIntents    discordgo.Intent  `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
	StartupMessage    string            `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	LogLevel          *slog.LevelVar    `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar    `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

type SchedulerConfig struct {
	// TickInterval is how often the scheduler polls the registry for due
	// jobs. Sub-second values buy nothing: job resolution is one second.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" json:"tick_interval" validate:"min=100ms"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

type TriviaConfig struct {
	// AnswerWindow is how long users have to answer each question
	AnswerWindow time.Duration `yaml:"answer_window" mapstructure:"answer_window" json:"answer_window" validate:"min=5s"`

	// MaxQuestions caps the per-session question count
	MaxQuestions int `yaml:"max_questions" mapstructure:"max_questions" json:"max_questions" validate:"min=1"`

	// QuestionURL is the OpenTDB-compatible endpoint questions are fetched from
	QuestionURL string `yaml:"question_url" mapstructure:"question_url" json:"question_url" validate:"required,url"`

	// RequestsPerSecond rate-limits outbound question fetches
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
}

type PollConfig struct {
	// DefaultDuration is used when a poll doesn't specify its own
	DefaultDuration time.Duration `yaml:"default_duration" mapstructure:"default_duration" json:"default_duration" validate:"min=1m"`

	// MaxOptions caps the number of answer options per poll
	MaxOptions int `yaml:"max_options" mapstructure:"max_options" json:"max_options" validate:"min=2,max=7"`
}

type APIConfig struct {
	// Enabled toggles the admin API server entirely
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen address, ex: 127.0.0.1:5000
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// Token is the bearer token required on /api routes. Empty disables auth
	// (development only).
	Token string `yaml:"token" mapstructure:"token" json:"-"`

	ReadTimeout  time.Duration  `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration  `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration  `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
	LogLevel     *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func levelVar(l slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(l)
	return v
}

// DefaultConfig returns a Config populated with the Default* constants.
func DefaultConfig() *Config {
	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGateway,
			StartupMessage:    DefaultStartupMessage,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
		},
		Scheduler: &SchedulerConfig{
			TickInterval: DefaultSchedulerTickInterval,
			LogLevel:     levelVar(DefaultSchedulerLogLevel),
		},
		Trivia: &TriviaConfig{
			AnswerWindow:      DefaultTriviaAnswerWindow,
			MaxQuestions:      DefaultTriviaMaxQuestions,
			QuestionURL:       DefaultTriviaQuestionURL,
			RequestsPerSecond: DefaultTriviaRequestsPerSec,
		},
		Poll: &PollConfig{
			DefaultDuration: DefaultPollDuration,
			MaxOptions:      DefaultPollMaxOptions,
		},
		API: &APIConfig{
			Listen:       DefaultAPIListen,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			LogLevel:     levelVar(DefaultAPILogLevel),
		},
	}
}

// Validate runs struct validation over the full config tree.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
