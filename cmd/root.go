package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresmejia3/poise/internal/config"
	"github.com/andresmejia3/poise/internal/store"
	"github.com/andresmejia3/poise/internal/utils"
)

// dbAnnotation marks commands that talk to the database. "required" fails the
// command when the database is unreachable; "optional" only warns.
const dbAnnotation = "db"

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// cfgFile overrides the .poise.yaml lookup
	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "poise",
	Short:         "Live posture and emotion coach for interview practice",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}
		setupLogging()

		mode := cmd.Annotations[dbAnnotation]
		if mode == "" {
			return nil
		}

		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), resolveDBURL())
		if err != nil {
			if mode == "optional" {
				utils.Warn("Session reports will not be saved: %v", err)
				DB = nil
				return nil
			}
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/poise)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .poise.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
}

// initConfig loads .env, then resolves config from file, env (POISE_*) and flags.
func initConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".poise")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
	}

	viper.SetEnvPrefix("POISE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return viper.BindPFlags(cmd.Flags())
}

// setDefaults registers every key so env and file values reach commands that
// don't declare the matching flag.
func setDefaults() {
	d := config.DefaultRawInput()
	viper.SetDefault("width", d.Width)
	viper.SetDefault("height", d.Height)
	viper.SetDefault("capture-fps", d.CaptureFPS)
	viper.SetDefault("python", d.Python)
	viper.SetDefault("worker-script", d.WorkerScript)
	viper.SetDefault("pose-model", d.PoseModel)
	viper.SetDefault("startup-timeout", d.StartupTimeout)
	viper.SetDefault("target-fps", d.TargetFPS)
	viper.SetDefault("degraded-fps", d.DegradedFPS)
	viper.SetDefault("backoff-after", d.BackoffAfter)
	viper.SetDefault("error-budget", d.ErrorBudget)
	viper.SetDefault("face-every", d.FaceEvery)
	viper.SetDefault("fallback-every", d.FallbackEvery)
	viper.SetDefault("pose-timeout", d.PoseTimeout)
	viper.SetDefault("face-timeout", d.FaceTimeout)
	viper.SetDefault("history-size", d.HistorySize)
	viper.SetDefault("smoothing-threshold", d.SmoothingThreshold)
	viper.SetDefault("log-level", d.LogLevel)
	viper.SetDefault("mqtt-topic", d.MQTTTopic)
	viper.SetDefault("mqtt-client-id", d.MQTTClientID)
}

// loadConfig unmarshals the resolved viper state and validates it.
func loadConfig() (*config.Config, error) {
	input := &config.ConfigRawInput{}
	if err := viper.Unmarshal(input); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg := &config.Config{}
	if err := config.ProcessAndValidate(cfg, input); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging() {
	level, err := config.ParseLogLevel(viper.GetString("log-level"))
	if err != nil {
		utils.Warn("%v, using info", err)
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// resolveDBURL prefers --db, then POSTGRES_* env, then the local default.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/poise"
}
