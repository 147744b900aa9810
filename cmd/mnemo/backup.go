package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/mnemo/internal/backup"
)

var errBackupUnsupported = errors.New("backups cover the sqlite database; use pg_dump for postgres")

func newBackupCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list, prune and restore the SQLite database",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Take a verified snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Storage.Backend == "postgres" {
				return errBackupUnsupported
			}
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			info, err := backup.Snapshot(cmd.Context(), a.sqlite.DB(), c.cfg.Storage.BackupPath(), time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := backup.List(c.cfg.Storage.BackupPath())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), backups)
		},
	}

	policy := backup.DefaultRetention()
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove snapshots outside the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := backup.Prune(c.cfg.Storage.BackupPath(), policy, time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
		},
	}
	prune.Flags().IntVar(&policy.Hourly, "hourly", policy.Hourly, "snapshots to keep from the last 24 hours")
	prune.Flags().IntVar(&policy.Daily, "daily", policy.Daily, "snapshots to keep from the last week")
	prune.Flags().IntVar(&policy.Weekly, "weekly", policy.Weekly, "snapshots to keep from the last month")
	prune.Flags().IntVar(&policy.Monthly, "monthly", policy.Monthly, "snapshots to keep from the last year")

	restore := &cobra.Command{
		Use:   "restore <path|latest>",
		Short: "Replace the database with a snapshot (stop the server first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Storage.Backend == "postgres" {
				return errBackupUnsupported
			}
			path := args[0]
			if path == "latest" {
				latest, err := backup.Latest(c.cfg.Storage.BackupPath())
				if err != nil {
					return err
				}
				path = latest.Path
			}
			target := filepath.Join(c.cfg.Storage.DataPath, "mnemo.db")
			if err := backup.Restore(cmd.Context(), path, target); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", target, path)
			return err
		},
	}

	cmd.AddCommand(create, list, prune, restore)
	return cmd
}
