// Command fieldsync runs the offline sync service for jobsite inspections
// and exposes its queue and status from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitesafe/fieldsync/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	dataDir    string
	configPath string

	logCloser io.Closer
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath(o.dataDir)
}

// load reads the config. An explicit --data-dir wins over the file and the
// environment.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	return cfg, nil
}

// open loads the config, initializes logging and wires the app. The caller
// must defer app.Close().
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	if o.logCloser == nil {
		if o.logCloser, err = initLogging(cfg); err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "fieldsync",
		Short:        "Offline-first sync for jobsite safety inspections",
		SilenceUsage: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				opts.logCloser.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", config.DefaultDataDir(), "directory holding the database and config")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default <data-dir>/config.toml)")

	root.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newQueueCmd(opts),
		newConfigCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}
