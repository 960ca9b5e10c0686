package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sawpanic/gearbox/internal/app"
	"github.com/sawpanic/gearbox/internal/config"
)

const (
	appName = "gearbox"
	version = "v0.3.0"
)

var configPath string

func main() {
	// .env is optional; real env always wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     appName,
		Short:   "Adaptive trading control pipeline",
		Version: version,
		Long: `gearbox runs an adaptive trading control pipeline: market regime
classification, hard risk limits, a gear state machine, constraint
validation, volatility-aware sizing, and breaker-guarded execution.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/gearbox.yaml", "config file path")
	// Accept snake_case flag spellings from shell scripts.
	root.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(runCmd(), reconcileCmd(), flattenCmd(), checkConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

// setupLogging routes to a console writer on a TTY, JSON elsewhere,
// with optional rotated file output alongside.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotated)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild order state from the broker and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine().Reconcile(cmd.Context()); err != nil {
				return err
			}
			log.Info().Int("tracked_orders", a.Engine().TrackedOrders()).Msg("reconciliation complete")
			return nil
		},
	}
}

func flattenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "flatten",
		Short: "Close all positions and cancel all open orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine().Reconcile(cmd.Context()); err != nil {
				return fmt.Errorf("reconciliation before flatten failed: %w", err)
			}
			outcomes := a.Engine().FlattenAll(cmd.Context(), reason)
			for _, o := range outcomes {
				log.Info().
					Str("symbol", o.Symbol).
					Str("order_id", o.OrderID).
					Str("action", o.Action).
					Bool("ok", o.OK).
					Str("detail", o.Detail).
					Msg("flatten outcome")
			}
			log.Info().Int("actions", len(outcomes)).Msg("flatten complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual flatten via CLI", "reason recorded with the flatten")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate configuration and constraint ceilings without trading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Full wiring exercises constraint ceilings, instrument
			// specs, news calendar, and store connectivity.
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Printf("%s configuration OK (broker=%s db=%s account=%s)\n",
				appName, cfg.Broker.Mode, cfg.Database.Driver, cfg.Service.Account)
			return nil
		},
	}
}
