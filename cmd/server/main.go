package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/silent-relay/internal/app"
	"github.com/vovakirdan/silent-relay/internal/config"
	applog "github.com/vovakirdan/silent-relay/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	addr       string
	logLevel   string
	dbPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "silent-relay",
		Short:         "Room-based websocket relay with a trial license gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.yaml")
	pf.StringVar(&flags.addr, "addr", "", "HTTP listen address")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.dbPath, "db", "", "sqlite database path")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), flags)
			},
		},
		newLicenseCmd(flags),
		newTokenCmd(flags),
	)
	return root
}

// loadConfig resolves configuration and applies flag overrides.
func loadConfig(flags *globalFlags) (config.Config, *zerolog.Logger, error) {
	bootstrap := applog.New(flags.logLevel, "console")

	cfg, path, err := config.Load(bootstrap, flags.configPath)
	if err != nil {
		return cfg, bootstrap, err
	}
	cfg.UpdateFrom(config.Config{
		Addr:         flags.addr,
		LogLevel:     flags.logLevel,
		DatabasePath: flags.dbPath,
	})

	logger := applog.New(cfg.LogLevel, cfg.LogFormat)
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}

func serve(parent context.Context, flags *globalFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(&cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Msg("starting silent relay")
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
