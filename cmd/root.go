package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/talligan/concord/concord"
)

var (
	cfg        = concord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "concord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", concord.DefaultDatabase)
	viper.SetDefault("database_log_level", concord.DefaultDatabaseLogLevel.String())
	viper.SetDefault("database_slow_threshold", concord.DefaultDatabaseSlowThreshold)
	viper.SetDefault("log_level", concord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", concord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", concord.DefaultShutdownTimeout)
	viper.SetDefault("development", false)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_intents", concord.DefaultDiscordGateway)
	viper.SetDefault("discord.startup_message", concord.DefaultStartupMessage)
	viper.SetDefault("discord.log_level", concord.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		concord.DefaultDiscordgoLogLevel.String(),
	)

	// Scheduler config
	viper.SetDefault("scheduler.tick_interval", concord.DefaultSchedulerTickInterval)
	viper.SetDefault("scheduler.log_level", concord.DefaultSchedulerLogLevel.String())

	// Trivia config
	viper.SetDefault("trivia.answer_window", concord.DefaultTriviaAnswerWindow)
	viper.SetDefault("trivia.max_questions", concord.DefaultTriviaMaxQuestions)
	viper.SetDefault("trivia.question_url", concord.DefaultTriviaQuestionURL)
	viper.SetDefault(
		"trivia.requests_per_second",
		concord.DefaultTriviaRequestsPerSec,
	)

	// Poll config
	viper.SetDefault("poll.default_duration", concord.DefaultPollDuration)
	viper.SetDefault("poll.max_options", concord.DefaultPollMaxOptions)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", concord.DefaultAPIListen)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.read_timeout", concord.DefaultReadTimeout)
	viper.SetDefault("api.write_timeout", concord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", concord.DefaultIdleTimeout)
	viper.SetDefault("api.log_level", concord.DefaultAPILogLevel.String())

	viper.SetEnvPrefix("CONCORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(
		&configFile,
		"env-file",
		"e",
		"",
		"Path to a .env file to load before reading the environment",
	)
}
