// Package cli implements the printfleet command line.
//
//	printfleet serve     # run the API, scheduler and device loops
//	printfleet migrate   # apply database migrations and exit
//	printfleet config    # print the effective configuration
//
// Every command accepts --config/-c; FLEET_* environment variables override
// the file.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const defaultConfigFile = "config.yaml"

const redacted = "[redacted]"

// BuildCLI builds the command tree.
func BuildCLI() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "printfleet",
		Short:         "printfleet - 3D printer fleet manager",
		Long:          "printfleet queues print jobs and dispatches them to a fleet of networked 3D printers.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	root.AddCommand(
		buildServeCommand(&configFile),
		buildMigrateCommand(&configFile),
		buildConfigCommand(&configFile),
	)
	return root
}

func buildServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and device loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func buildMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, SecretKey: cfg.Database.SecretKey})
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("database migrated", "path", cfg.Database.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}
}

func buildConfigCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			shown := *cfg
			if shown.Database.SecretKey != "" {
				shown.Database.SecretKey = redacted
			}
			if shown.Webhook.Secret != "" {
				shown.Webhook.Secret = redacted
			}

			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	return cfg, logger, nil
}
