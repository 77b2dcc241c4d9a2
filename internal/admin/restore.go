package admin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

// RestoreOptions controls a restore run. Restore expects the server to be
// stopped; it swaps the database file under the target path.
type RestoreOptions struct {
	// BackupPath names an explicit backup file. When empty the newest backup
	// in Dir is used.
	BackupPath string
	// Dir is scanned for the newest backup when BackupPath is empty.
	Dir string
	// TargetPath is the database file to replace.
	TargetPath string
	// Passphrase decrypts encrypted backups.
	Passphrase string
	// SkipSafetyBackup disables the pre-restore copy of the current target.
	SkipSafetyBackup bool
}

// RestoreResult reports what a restore did.
type RestoreResult struct {
	RestoredFrom     string `json:"restoredFrom"`
	TargetPath       string `json:"targetPath"`
	SafetyBackupPath string `json:"safetyBackupPath,omitempty"`
	MapCount         int64  `json:"mapCount"`
	SnapshotCount    int64  `json:"snapshotCount"`
}

// Restore replaces the target database with a verified backup. The current
// target is kept as a safety copy and put back if the swap fails.
func Restore(ctx context.Context, opts RestoreOptions, logger *zap.Logger) (*RestoreResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TargetPath == "" {
		return nil, domain.Invalidf("restore requires a target path")
	}

	source := opts.BackupPath
	if source == "" {
		infos, err := ListBackups(opts.Dir)
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			return nil, domain.NotFoundf("no backups in %s", opts.Dir)
		}
		source = infos[0].Path
	}

	// Checksum first when a sidecar exists; a silently damaged backup must
	// not reach the swap.
	if _, err := os.Stat(source + metaSuffix); err == nil {
		if _, err := VerifyBackup(source); err != nil {
			return nil, err
		}
	}

	staged, err := stageBackup(source, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged)

	if err := verifySQLite(staged); err != nil {
		return nil, err
	}
	mapCount, snapshotCount, err := countRows(ctx, staged)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		RestoredFrom:  source,
		TargetPath:    opts.TargetPath,
		MapCount:      mapCount,
		SnapshotCount: snapshotCount,
	}

	if dir := filepath.Dir(opts.TargetPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create %s", dir)
		}
	}

	// Move the current target aside before the swap so a failed rename can
	// be undone.
	if _, err := os.Stat(opts.TargetPath); err == nil {
		if !opts.SkipSafetyBackup {
			safety := opts.TargetPath + ".pre-restore-" + time.Now().UTC().Format("20060102T150405Z")
			if err := os.Rename(opts.TargetPath, safety); err != nil {
				return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to set aside current database")
			}
			result.SafetyBackupPath = safety
		}
		removeSidecars(opts.TargetPath)
	}

	if err := os.Rename(staged, opts.TargetPath); err != nil {
		if result.SafetyBackupPath != "" {
			if rbErr := os.Rename(result.SafetyBackupPath, opts.TargetPath); rbErr != nil {
				return nil, domain.WrapError(domain.KindInternal, err,
					"restore failed and rollback also failed: %v", rbErr)
			}
		}
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to move restored database into place")
	}

	logger.Info("restore complete",
		zap.String("from", source),
		zap.String("target", opts.TargetPath),
		zap.Int64("maps", mapCount),
		zap.String("safety_backup", result.SafetyBackupPath))
	return result, nil
}

// stageBackup materializes the backup as a plain SQLite file in a temp
// location, undoing encryption and compression as needed.
func stageBackup(source, passphrase string) (string, error) {
	work := source

	if strings.HasSuffix(work, ".enc") {
		if passphrase == "" {
			return "", domain.Invalidf("backup %s is encrypted: a passphrase is required", source)
		}
		sealed, err := os.ReadFile(work)
		if err != nil {
			return "", domain.WrapError(domain.KindStorageUnavailable, err, "failed to read %s", work)
		}
		plain, err := decrypt(sealed, passphrase)
		if err != nil {
			return "", err
		}
		tmp, err := os.CreateTemp("", "mindmeld-restore-*.stage")
		if err != nil {
			return "", domain.WrapError(domain.KindStorageUnavailable, err, "failed to create staging file")
		}
		if _, err := tmp.Write(plain); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", domain.WrapError(domain.KindStorageUnavailable, err, "failed to write staging file")
		}
		tmp.Close()
		work = tmp.Name()
	}

	if strings.HasSuffix(strings.TrimSuffix(source, ".enc"), ".gz") || isGzip(work) {
		staged := work + ".sqlite"
		if err := gunzipFile(work, staged); err != nil {
			if work != source {
				os.Remove(work)
			}
			return "", err
		}
		if work != source {
			os.Remove(work)
		}
		return staged, nil
	}

	if work == source {
		// Never hand the original back; the caller deletes the staged file.
		tmp, err := os.CreateTemp("", "mindmeld-restore-*.sqlite")
		if err != nil {
			return "", domain.WrapError(domain.KindStorageUnavailable, err, "failed to create staging file")
		}
		tmp.Close()
		os.Remove(tmp.Name())
		if err := copyFile(source, tmp.Name()); err != nil {
			return "", err
		}
		return tmp.Name(), nil
	}
	return work, nil
}

func isGzip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var header [2]byte
	if _, err := f.Read(header[:]); err != nil {
		return false
	}
	return header[0] == 0x1f && header[1] == 0x8b
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write %s", dst)
	}
	return nil
}

func countRows(ctx context.Context, path string) (maps, snapshots int64, err error) {
	engine, err := storage.Open(path, zap.NewNop())
	if err != nil {
		return 0, 0, err
	}
	defer engine.Close()
	return engine.Counts(ctx)
}

// removeSidecars drops the WAL and shared-memory files left by a previous
// engine so the restored file starts clean.
func removeSidecars(path string) {
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	os.Remove(path + "-journal")
}
