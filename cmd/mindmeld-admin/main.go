// mindmeld-admin is the operational companion to the mindmeld server:
// backups, restore, export/import, and schema migrations, all runnable
// against a live database file except restore, which expects the server
// stopped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindmeld/internal/admin"
	"mindmeld/internal/config"
	"mindmeld/internal/storage"
)

// exit codes, stable for scripting
const (
	exitOK    = 0
	exitError = 1
)

type app struct {
	dbPath     string
	backupDir  string
	jsonOutput bool
	logger     *zap.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "mindmeld-admin",
		Short:         "Operational tooling for the mindmeld database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", config.Default().SQLiteFile, "path to the SQLite database")
	root.PersistentFlags().StringVar(&a.backupDir, "backup-dir", "./backups", "directory holding backups")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "emit machine-readable JSON")

	root.AddCommand(
		a.backupCmd(),
		a.restoreCmd(),
		a.listCmd(),
		a.verifyCmd(),
		a.cleanupCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.migrateCmd(),
		a.rollbackCmd(),
		a.statusCmd(),
		a.historyCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

// openManager opens the database and returns an admin manager plus a cleanup
// func.
func (a *app) openManager() (*admin.Manager, func(), error) {
	engine, err := storage.Open(a.dbPath, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return admin.NewManager(engine, a.logger), func() { engine.Close() }, nil
}

func (a *app) emit(v interface{}) error {
	if a.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch t := v.(type) {
	case string:
		fmt.Println(t)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

// progressToStderr prints progress lines without polluting stdout.
func progressToStderr(label string) admin.ProgressFunc {
	return func(p admin.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d (%.0f%%)", label, p.Completed, p.Total, p.Percent)
			if p.Completed == p.Total {
				fmt.Fprintln(os.Stderr)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s: %d", label, p.Completed)
	}
}

func (a *app) backupCmd() *cobra.Command {
	var compress bool
	var passphrase string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take an online backup while the server keeps running",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := a.openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := mgr.Backup(cmd.Context(), admin.BackupOptions{
				Dir:        a.backupDir,
				Compress:   compress,
				Passphrase: passphrase,
			})
			if err != nil {
				return err
			}
			return a.emit(info)
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", false, "gzip the backup")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encrypt the backup with this passphrase")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var backupPath, passphrase string
	var skipSafety bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the database with a backup (stop the server first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := admin.Restore(cmd.Context(), admin.RestoreOptions{
				BackupPath:       backupPath,
				Dir:              a.backupDir,
				TargetPath:       a.dbPath,
				Passphrase:       passphrase,
				SkipSafetyBackup: skipSafety,
			}, a.logger)
			if err != nil {
				return err
			}
			return a.emit(result)
		},
	}
	cmd.Flags().StringVar(&backupPath, "from", "", "backup file to restore (default: newest in --backup-dir)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase for encrypted backups")
	cmd.Flags().BoolVar(&skipSafety, "skip-safety-backup", false, "do not keep the current database aside")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := admin.ListBackups(a.backupDir)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if infos == nil {
					infos = []admin.BackupInfo{}
				}
				return a.emit(infos)
			}
			if len(infos) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s  %s  %d maps  %d bytes\n",
					info.Meta.CreatedAt.Format(time.RFC3339),
					info.Path,
					info.Meta.MapCount,
					info.Meta.SizeBytes)
			}
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup>",
		Short: "Check a backup against its recorded checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := admin.VerifyBackup(args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.emit(meta)
			}
			return a.emit("ok: " + args[0])
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var keep int
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups outside the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep <= 0 && olderThan <= 0 {
				return fmt.Errorf("cleanup requires --keep or --older-than")
			}
			removed, err := admin.Cleanup(a.backupDir, admin.CleanupOptions{
				Keep:      keep,
				OlderThan: olderThan,
			})
			if err != nil {
				return err
			}
			if removed == nil {
				removed = []string{}
			}
			return a.emit(map[string]interface{}{"removed": removed})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "retain at most this many newest backups")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove backups older than this duration")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var format, out, filter string
	var gzipOut bool
	var since, until string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export maps as JSON, CSV, or SQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := a.openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			opts := admin.ExportOptions{
				Format:     admin.ExportFormat(format),
				Path:       out,
				Out:        os.Stdout,
				Gzip:       gzipOut,
				NameFilter: filter,
				Progress:   progressToStderr("exporting"),
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC 3339: %w", err)
				}
				opts.Since = t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until must be RFC 3339: %w", err)
				}
				opts.Until = t
			}

			result, err := mgr.Export(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				// The export itself went to stdout.
				return nil
			}
			return a.emit(result)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json, csv, or sql")
	cmd.Flags().StringVar(&out, "out", "", "output file (default: stdout)")
	cmd.Flags().BoolVar(&gzipOut, "gzip", false, "compress the output")
	cmd.Flags().StringVar(&filter, "filter", "", "keep only maps whose name contains this substring")
	cmd.Flags().StringVar(&since, "since", "", "keep maps updated at or after this RFC 3339 instant")
	cmd.Flags().StringVar(&until, "until", "", "keep maps updated before this RFC 3339 instant")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var mode, in string
	var batchSize int
	var safety, rollbackOnError bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSON export",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := a.openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			opts := admin.ImportOptions{
				Path:            in,
				In:              os.Stdin,
				Mode:            admin.ImportMode(mode),
				BatchSize:       batchSize,
				RollbackOnError: rollbackOnError,
				Progress:        progressToStderr("importing"),
			}
			if safety {
				opts.SafetyBackupDir = a.backupDir
			}

			result, err := mgr.Import(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.emit(result)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input file (default: stdin)")
	cmd.Flags().StringVar(&mode, "mode", string(admin.ModeSkip), "conflict mode: skip, overwrite, or merge")
	cmd.Flags().IntVar(&batchSize, "batch-size", admin.DefaultImportBatchSize, "rows per transaction")
	cmd.Flags().BoolVar(&safety, "safety-backup", true, "take a backup before the first write")
	cmd.Flags().BoolVar(&rollbackOnError, "rollback-on-error", false, "undo the whole import if any row fails")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	var dryRun, rollbackOnError bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := storage.Open(a.dbPath, a.logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			migrator := storage.NewMigrator(engine, a.logger)
			applied, err := migrator.Apply(cmd.Context(), storage.Defined(), storage.ApplyOptions{
				DryRun:          dryRun,
				RollbackOnError: rollbackOnError,
			})
			if err != nil {
				return err
			}
			if dryRun {
				return a.emit("dry run ok: pending migrations validate")
			}
			if applied == nil {
				applied = []storage.AppliedMigration{}
			}
			return a.emit(applied)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate pending migrations without applying")
	cmd.Flags().BoolVar(&rollbackOnError, "rollback-on-error", false, "undo this batch if a later migration fails")
	return cmd
}

func (a *app) rollbackCmd() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo the last migration, or everything above --to",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := storage.Open(a.dbPath, a.logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			migrator := storage.NewMigrator(engine, a.logger)
			if to != "" {
				versions, err := migrator.RollbackTo(cmd.Context(), storage.Defined(), to)
				if err != nil {
					return err
				}
				return a.emit(map[string]interface{}{"rolledBack": versions})
			}
			version, err := migrator.RollbackLast(cmd.Context(), storage.Defined())
			if err != nil {
				return err
			}
			return a.emit(map[string]interface{}{"rolledBack": []string{version}})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "roll back every migration above this version")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the migration status and database integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := storage.Open(a.dbPath, a.logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			migrator := storage.NewMigrator(engine, a.logger)
			status, err := migrator.Status(cmd.Context(), storage.Defined())
			if err != nil {
				return err
			}
			integrity, err := engine.IntegrityCheck(cmd.Context())
			if err != nil {
				return err
			}
			maps, snapshots, err := engine.Counts(cmd.Context())
			if err != nil {
				return err
			}

			return a.emit(map[string]interface{}{
				"migrations": status,
				"integrity":  integrity,
				"maps":       maps,
				"snapshots":  snapshots,
				"wal":        engine.WAL(),
			})
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show applied migrations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := storage.Open(a.dbPath, a.logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			applied, err := storage.NewMigrator(engine, a.logger).History(cmd.Context())
			if err != nil {
				return err
			}
			if applied == nil {
				applied = []storage.AppliedMigration{}
			}
			return a.emit(applied)
		},
	}
}
