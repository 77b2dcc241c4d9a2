package admin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

// BackupFormatVersion identifies the sidecar metadata layout.
const BackupFormatVersion = 1

const metaSuffix = ".meta.json"

// Manager runs admin operations over an open storage engine.
type Manager struct {
	engine *storage.Engine
	logger *zap.Logger
}

// NewManager creates an admin manager.
func NewManager(engine *storage.Engine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{engine: engine, logger: logger}
}

// BackupOptions controls a backup run.
type BackupOptions struct {
	// Dir is the destination directory, created if missing.
	Dir string
	// Compress gzips the copy after verification.
	Compress bool
	// Passphrase, when set, encrypts the copy after compression.
	Passphrase string
}

// BackupMeta is the sidecar record written next to every backup.
type BackupMeta struct {
	FormatVersion int       `json:"formatVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	SourcePath    string    `json:"sourcePath"`
	MapCount      int64     `json:"mapCount"`
	SnapshotCount int64     `json:"snapshotCount"`
	SizeBytes     int64     `json:"sizeBytes"`
	SHA256        string    `json:"sha256"`
	Compressed    bool      `json:"compressed"`
	Encrypted     bool      `json:"encrypted"`
}

// BackupInfo pairs a backup file with its metadata.
type BackupInfo struct {
	Path string     `json:"path"`
	Meta BackupMeta `json:"meta"`
}

// Backup takes an online copy of the database, verifies its integrity,
// optionally compresses and encrypts it, and writes the metadata sidecar.
// Writers keep running throughout.
func (m *Manager) Backup(ctx context.Context, opts BackupOptions) (*BackupInfo, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create backup directory %s", opts.Dir)
	}

	name := backupName(time.Now().UTC())
	rawPath := filepath.Join(opts.Dir, name)
	if err := m.engine.OnlineBackup(ctx, rawPath); err != nil {
		return nil, err
	}

	// Verify the copy before transforming it; a corrupt backup is worse than
	// no backup.
	if err := verifySQLite(rawPath); err != nil {
		os.Remove(rawPath)
		return nil, err
	}

	mapCount, snapshotCount, err := m.engine.Counts(ctx)
	if err != nil {
		os.Remove(rawPath)
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to count rows for backup metadata")
	}

	finalPath := rawPath
	if opts.Compress {
		gzPath := rawPath + ".gz"
		if err := gzipFile(rawPath, gzPath); err != nil {
			os.Remove(rawPath)
			os.Remove(gzPath)
			return nil, err
		}
		os.Remove(rawPath)
		finalPath = gzPath
	}
	if opts.Passphrase != "" {
		data, err := os.ReadFile(finalPath)
		if err != nil {
			os.Remove(finalPath)
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to read backup for encryption")
		}
		sealed, err := encrypt(data, opts.Passphrase)
		if err != nil {
			os.Remove(finalPath)
			return nil, err
		}
		encPath := finalPath + ".enc"
		if err := os.WriteFile(encPath, sealed, 0o600); err != nil {
			os.Remove(finalPath)
			os.Remove(encPath)
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to write encrypted backup")
		}
		os.Remove(finalPath)
		finalPath = encPath
	}

	sum, size, err := hashFile(finalPath)
	if err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	info := &BackupInfo{
		Path: finalPath,
		Meta: BackupMeta{
			FormatVersion: BackupFormatVersion,
			CreatedAt:     time.Now().UTC(),
			SourcePath:    m.engine.Path(),
			MapCount:      mapCount,
			SnapshotCount: snapshotCount,
			SizeBytes:     size,
			SHA256:        sum,
			Compressed:    opts.Compress,
			Encrypted:     opts.Passphrase != "",
		},
	}
	if err := writeMeta(finalPath+metaSuffix, info.Meta); err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	m.logger.Info("backup complete",
		zap.String("path", finalPath),
		zap.Int64("size_bytes", size),
		zap.Int64("maps", mapCount),
		zap.Bool("compressed", opts.Compress),
		zap.Bool("encrypted", opts.Passphrase != ""))
	return info, nil
}

// ListBackups scans dir for backups with metadata sidecars, newest first.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to read backup directory %s", dir)
	}

	var infos []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		metaPath := filepath.Join(dir, entry.Name())
		meta, err := readMeta(metaPath)
		if err != nil {
			continue
		}
		backupPath := strings.TrimSuffix(metaPath, metaSuffix)
		if _, err := os.Stat(backupPath); err != nil {
			continue
		}
		infos = append(infos, BackupInfo{Path: backupPath, Meta: *meta})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Meta.CreatedAt.After(infos[j].Meta.CreatedAt)
	})
	return infos, nil
}

// VerifyBackup recomputes the backup's checksum against its sidecar.
func VerifyBackup(path string) (*BackupMeta, error) {
	meta, err := readMeta(path + metaSuffix)
	if err != nil {
		return nil, err
	}
	sum, size, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	if size != meta.SizeBytes {
		return meta, domain.NewError(domain.KindCorruption,
			"backup %s size mismatch: recorded %d, actual %d", path, meta.SizeBytes, size)
	}
	if sum != meta.SHA256 {
		return meta, domain.NewError(domain.KindCorruption,
			"backup %s checksum mismatch", path)
	}
	return meta, nil
}

// CleanupOptions controls retention. Zero values mean unconstrained.
type CleanupOptions struct {
	// Keep retains at most this many newest backups.
	Keep int
	// OlderThan removes backups created before now minus this duration.
	OlderThan time.Duration
}

// Cleanup removes backups that fall outside the retention policy and returns
// the paths removed.
func Cleanup(dir string, opts CleanupOptions) ([]string, error) {
	infos, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Time{}
	if opts.OlderThan > 0 {
		cutoff = time.Now().UTC().Add(-opts.OlderThan)
	}

	var removed []string
	for i, info := range infos {
		drop := false
		if opts.Keep > 0 && i >= opts.Keep {
			drop = true
		}
		if !cutoff.IsZero() && info.Meta.CreatedAt.Before(cutoff) {
			drop = true
		}
		if !drop {
			continue
		}
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			return removed, domain.WrapError(domain.KindStorageUnavailable, err, "failed to remove backup %s", info.Path)
		}
		os.Remove(info.Path + metaSuffix)
		removed = append(removed, info.Path)
	}
	return removed, nil
}

func backupName(t time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return "mindmeld-backup-" + t.Format("20060102T150405Z") + "-" + hex.EncodeToString(suffix) + ".sqlite"
}

// verifySQLite opens the copy read-only and runs an integrity check.
func verifySQLite(path string) error {
	engine, err := storage.Open(path, zap.NewNop())
	if err != nil {
		return domain.WrapError(domain.KindCorruption, err, "backup %s is not a readable database", path)
	}
	defer engine.Close()

	if _, err := engine.IntegrityCheck(context.Background()); err != nil {
		return err
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to create %s", dst)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to compress %s", src)
	}
	if err := gw.Close(); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to finish compressing %s", src)
	}
	return out.Close()
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to open %s", src)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return domain.Invalidf("%s is not gzip data", src)
	}
	defer gr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to create %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, gr); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to decompress %s", src)
	}
	return out.Close()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, domain.WrapError(domain.KindStorageUnavailable, err, "failed to open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, domain.WrapError(domain.KindStorageUnavailable, err, "failed to hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func writeMeta(path string, meta BackupMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "failed to encode backup metadata")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write %s", path)
	}
	return nil
}

func readMeta(path string) (*BackupMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFoundf("backup metadata %s", path)
		}
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to read %s", path)
	}
	var meta BackupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, domain.NewError(domain.KindCorruption, "malformed backup metadata %s: %v", path, err)
	}
	return &meta, nil
}
