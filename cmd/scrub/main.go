// Command scrub removes personal data from text, as a CLI or an HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scrub/internal/config"
	"scrub/internal/trace"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool

	cfg          config.Config
	otelShutdown func(context.Context) error
)

func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scrub",
		Short:         "Remove personal data from transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				if p, err := config.ConfigPath(); err == nil {
					path = p
				}
			}
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
			applyFlagOverrides(cmd)
			setupLogging()

			shutdown, err := trace.Setup("scrub", resolvedVersion(), cfg.Telemetry.Enabled, os.Stderr)
			if err != nil {
				return fmt.Errorf("initializing OpenTelemetry: %w", err)
			}
			otelShutdown = shutdown
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.scrub/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	pf.BoolVar(&otelFlag, "otel", false, "export OpenTelemetry traces and metrics to stderr")

	root.AddCommand(
		newServeCmd(),
		newTextCmd(),
		newRecognizersCmd(),
		newNERCmd(),
		newModelsCmd(),
		newStatsCmd(),
		newVersionCmd(),
	)
	return root
}

// applyFlagOverrides lets explicit global flags win over file and env.
func applyFlagOverrides(cmd *cobra.Command) {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if cmd.Flags().Changed("otel") {
		cfg.Telemetry.Enabled = otelFlag
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// logs go to stderr so stdout stays clean for piping
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolvedVersion())
		},
	}
}

func main() {
	err := newRootCmd().Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = otelShutdown(ctx)
		cancel()
	}
	if err != nil {
		log.Error().Err(err).Msg("scrub failed")
		os.Exit(1)
	}
}
