package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klyro-app/klyro-sync/internal/backup"
	"github.com/klyro-app/klyro-sync/internal/snapshot"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var (
		stdout      bool
		dir         string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of all datasets",
		Long: `Write a backup of profile, diary, activities and settings.

The backup is read from the local tier and written to the backup
directory as klyro_backup_YYYY-MM-DD.json, compressed when
KLYRO_BACKUP_COMPRESSION or --compression says so.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			doc, err := snapshot.Export(a.store, a.session.UserID(), time.Now(), a.logger)
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(append(doc, '\n'))
				return err
			}

			if compression == "" {
				compression = a.cfg.BackupCompression
			}

			c, err := backup.ParseCompression(compression)
			if err != nil {
				return err
			}

			if dir == "" {
				dir = a.cfg.BackupDir
			}

			path, err := backup.WriteFile(dir, doc, time.Now(), c)
			if err != nil {
				return err
			}

			a.logger.Info("backup written", slog.String("path", path), slog.Int("bytes", len(doc)))
			fmt.Fprintln(cmd.OutOrStdout(), path)

			return nil
		},
	}

	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the document instead of writing a file")
	cmd.Flags().StringVar(&dir, "dir", "", "backup directory (default KLYRO_BACKUP_DIR)")
	cmd.Flags().StringVar(&compression, "compression", "", "none, gzip or zstd (default KLYRO_BACKUP_COMPRESSION)")

	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Restore datasets from a backup",
		Long: `Restore datasets from a backup file. Compressed files are detected by
extension. Only datasets present in the backup are overwritten; a backup
without a version is rejected before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)

			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = backup.ReadFile(args[0])
			}

			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.waitReady(cmd.Context())

			doc, err := snapshot.Import(cmd.Context(), a.store, raw)
			if err != nil {
				return err
			}

			if owner := doc.UserID(); owner != "" && owner != a.session.UserID() {
				a.logger.Warn("backup belongs to another user",
					slog.String("backup_user_id", owner),
					slog.String("user_id", a.session.UserID()),
				)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported backup version %s from %s\n", doc.Version, doc.ExportDate.Format(time.RFC3339))

			return nil
		},
	}
}
