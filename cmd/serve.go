package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"genesis/internal/chat"
	"genesis/internal/hub"
	"genesis/internal/provider"
	providerfactory "genesis/internal/provider/factory"
	"genesis/internal/router"
	"genesis/internal/server"
	"genesis/internal/store"
	"genesis/internal/tokens"
)

const encodingLoadTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath      string
		envFile      string
		overridePort int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return errors.New("serve command requires --config <path>")
			}

			cfg, err := loadConfig(cfgPath, envFile)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}
			setupLogging(cfg.Server.LogLevel)

			ctx := cmd.Context()

			registry := provider.NewRegistry()
			if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry); err != nil {
				return err
			}
			rt := router.New(registry, cfg.Stream.QueueSize)

			files, closeStore, err := store.New(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					slog.Warn("closing file store", "error", err)
				}
			}()

			estimator := tokens.NewEstimator()
			loadCtx, cancelLoad := context.WithTimeout(ctx, encodingLoadTimeout)
			if err := estimator.Load(loadCtx); err != nil {
				slog.Warn("token encoding unavailable, estimating by characters", "error", err)
			}
			cancelLoad()

			runner := chat.NewRunner(rt, chat.Options{
				Tolerance:           cfg.Stream.DiscrepancyTolerance,
				DefaultSystemPrompt: cfg.Stream.DefaultSystemPrompt,
				Estimator:           estimator,
			})

			srv, err := server.New(cfg, server.Deps{
				Router: rt,
				Runner: runner,
				Files:  files,
				Hub:    hub.New(),
			})
			if err != nil {
				return err
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	cmd.Flags().StringVar(&envFile, "env-file", defaultEnvFile, "env file loaded before the configuration")
	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
