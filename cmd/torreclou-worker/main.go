// TorreClou worker - downloads torrent content and mirrors it into user
// cloud storage. One long-running process per host; queue subscription and
// thresholds come from the config file and environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/torreclou/torreclou/internal/config"
	"github.com/torreclou/torreclou/internal/logging"
	"github.com/torreclou/torreclou/internal/service"
	"github.com/torreclou/torreclou/internal/version"
)

var (
	cfgFile string
	queues  string
	verbose bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "torreclou-worker",
		Short: "TorreClou worker - torrent-to-cloud transfer engine",
		Long: `TorreClou worker ` + version.Version + ` - Built: ` + version.BuildTime + `
Long-running worker that downloads torrent content and uploads it to the
owning user's storage destination (Google Drive or S3-compatible).

Each worker subscribes to a set of task queues and runs the stream
dispatchers and the recovery supervisor alongside the task pools.`,
		RunE:          runWorker,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (INI)")
	rootCmd.PersistentFlags().StringVar(&queues, "queues", "", "comma-separated queue subscription (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("torreclou-worker %s (built %s)\n", version.Version, version.BuildTime)
		},
	})

	return rootCmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := logging.NewDefault()
	if verbose {
		logging.SetGlobalLevel(-1)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if queues != "" {
		os.Setenv("TORRECLOU_QUEUES", queues)
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	worker, err := service.NewWorker(cfg, log)
	if err != nil {
		return err
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version.Version).Strs("queues", cfg.Queues).
		Msg("worker starting")

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("worker stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "torreclou-worker: %v\n", err)
		os.Exit(1)
	}
}
