package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/loadgen-manager/internal/config"
	"github.com/kirychukyurii/loadgen-manager/internal/logger"
)

var (
	cfg *config.Config
	log *slog.Logger

	flagConfigPath string // value of --config flag
	flagLogLevel   string // value of --log-level flag, overrides log.level
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if log == nil {
			log = logger.New()
		}
		log.Error("loadgen-manager failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "loadgen-manager",
		Short:             "Manage remote load-generation nodes and test reports",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initConfig,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to configuration file, defaults and "+config.EnvPrefix+"* environment only when empty")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newNodesCmd())
	root.AddCommand(newReportsCmd())
	return root
}

// initConfig loads configuration and sets up logging before any subcommand runs
func initConfig(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}

	// CLI output goes to stdout, logs to stderr
	log = logger.NewWithWriter(os.Stderr, lvl)
	slog.SetDefault(log)
	return nil
}
