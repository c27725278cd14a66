package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitesafe/fieldsync/internal/config"
	"github.com/sitesafe/fieldsync/internal/db"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =====================================================
// sync / status
// =====================================================

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if !a.checkOnline(ctx) {
				fmt.Fprintf(cmd.OutOrStdout(), "Remote unreachable, %d changes stay queued\n", a.queue.Count())
				return nil
			}
			result, err := a.service.SyncNow(ctx)
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to sync (%s)\n", result.SkipReason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d in %s\n",
				result.Synced, result.Failed, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.checkOnline(cmd.Context())
			status, err := a.service.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

// =====================================================
// queue
// =====================================================

func newQueueCmd(opts *rootOptions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued changes",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued changes, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tLOCAL ID\tSTATUS\tATTEMPTS\tERROR")
			for _, item := range a.service.QueueItems() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					item.ID, item.Type, item.Entity, item.LocalID, item.Status, item.Attempts, item.Error)
			}
			return tw.Flush()
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Return failed changes to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d changes will be retried\n", n)
			return nil
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued change",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dropped := a.queue.Size()
			if err := a.service.ClearQueue(cmd.Context(), yes); err != nil {
				return fmt.Errorf("%w (pass --yes to discard %d changes)", err, dropped)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d changes\n", dropped)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm that unsynced changes are lost")

	queueCmd.AddCommand(listCmd, retryCmd, clearCmd)
	return queueCmd
}

// =====================================================
// config
// =====================================================

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewConfig(opts.dataDir)
			cfg.ClientID = uuid.New()

			path := opts.path()
			if err := config.Init(path, cfg); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized at %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Client ID: %s\n", cfg.ClientID)
			fmt.Fprintf(cmd.OutOrStdout(), "Data Dir:  %s\n", cfg.DataDir)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			m := &config.Manager{}
			return m.Write(cmd.OutOrStdout(), cfg)
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

// =====================================================
// migrate
// =====================================================

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local database schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(*db.Migrator) error) error {
		cfg, err := opts.load(cmd)
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer database.Close()
		return fn(db.NewMigrator(database.DB))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *db.Migrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				v, err := m.CurrentVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", v)
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *db.Migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				v, err := m.CurrentVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", v)
				return nil
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *db.Migrator) error {
				current, err := m.CurrentVersion()
				if err != nil {
					return err
				}
				latest, err := db.LatestVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "current %d, latest %d\n", current, latest)
				return nil
			})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}
