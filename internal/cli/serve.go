package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/remi/internal/config"
	"github.com/harun/remi/internal/daemon"
	"github.com/harun/remi/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remi daemon",
	Long: `Run the remi daemon in the foreground. The daemon listens on the
configured connectors (Telegram, or the console when none is enabled) and
runs the background scheduler.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return runDaemon(cmd.Context(), daemon.Options{})
}

// runDaemon loads config, builds the logger and daemon, and blocks until
// shutdown.
func runDaemon(ctx context.Context, opts daemon.Options) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	// The REPL owns stdout in console mode; logs go to file only.
	if opts.Console {
		cfg.Logging.Console = false
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, opts, log.GetZerolog())
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.Run(ctx)
}
