package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scrub/internal/audit"
	"scrub/internal/server"
	"scrub/internal/trace"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			rt, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := []server.Option{
				server.WithAPIKey(cfg.Server.APIKey),
				server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
				server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
				server.WithTraceSampleRate(cfg.Telemetry.SampleRate),
				server.WithDescriber(rt.registry),
				server.WithAddr(cfg.Server.Addr),
			}
			if cfg.Audit.Enabled {
				store, err := audit.Open(cfg.Audit.Backend, cfg.Audit.Path)
				if err != nil {
					return fmt.Errorf("opening audit store: %w", err)
				}
				defer store.Close()
				fp, err := audit.NewFingerprinter(cfg.Audit.FingerprintKey)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithAudit(store, fp))
			}
			if cfg.Server.APIKey == "" {
				log.Warn().Msg("no API key configured; /scrub is open to every caller")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("addr", cfg.Server.Addr).
				Strs("languages", rt.registry.Languages()).
				Str("ner", cfg.NER.Backend).
				Bool("audit", cfg.Audit.Enabled).
				Bool("h2c", cfg.Server.H2C).
				Msg("starting scrub service")

			return server.New(rt.engine, opts...).ListenAndServe(ctx, server.ListenConfig{
				Addr:         cfg.Server.Addr,
				H2C:          cfg.Server.H2C,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// cmdContext returns the command context with a request trace attached. The
// trace is logged when running verbose.
func cmdContext(cmd *cobra.Command) (context.Context, *trace.RequestTrace) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rate := 0.0
	if verbose {
		rate = 1
	}
	tr := trace.NewRequestTrace(rate)
	return trace.WithContext(ctx, tr), tr
}
