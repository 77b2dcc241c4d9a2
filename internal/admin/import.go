package admin

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
)

// ImportMode decides what happens when an imported map id already exists.
type ImportMode string

const (
	// ModeSkip keeps the existing row untouched.
	ModeSkip ImportMode = "skip"
	// ModeOverwrite replaces the existing row with the imported one.
	ModeOverwrite ImportMode = "overwrite"
	// ModeMerge combines the imported state into the existing one as a JSON
	// merge patch and bumps the version past both.
	ModeMerge ImportMode = "merge"
)

// DefaultImportBatchSize bounds rows per transaction.
const DefaultImportBatchSize = 100

// ImportOptions controls an import run.
type ImportOptions struct {
	// Path is a JSON export file. "-" or empty reads from In.
	Path string
	// In supplies the export when Path is unset.
	In io.Reader
	Mode ImportMode
	// BatchSize bounds rows per transaction; zero uses the default.
	BatchSize int
	// SafetyBackupDir, when set, takes an online backup there before the
	// first write so a failed import can be rolled back by restore.
	SafetyBackupDir string
	// RollbackOnError runs the whole import in one transaction so a failure
	// in any batch undoes every applied row.
	RollbackOnError bool
	// Progress receives per-map updates.
	Progress ProgressFunc
}

// ImportResult tallies what an import did.
type ImportResult struct {
	Imported         int64  `json:"imported"`
	Skipped          int64  `json:"skipped"`
	Overwritten      int64  `json:"overwritten"`
	Merged           int64  `json:"merged"`
	SafetyBackupPath string `json:"safetyBackupPath,omitempty"`
}

// Import loads a JSON export into the database. Every document validates
// before any write; a bad file never half-applies.
func (m *Manager) Import(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	switch opts.Mode {
	case ModeSkip, ModeOverwrite, ModeMerge:
	case "":
		opts.Mode = ModeSkip
	default:
		return nil, domain.Invalidf("unknown import mode %q", opts.Mode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultImportBatchSize
	}

	envelope, err := readImport(opts)
	if err != nil {
		return nil, err
	}
	for _, em := range envelope.Maps {
		if err := validateImportMap(em); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{}
	if opts.SafetyBackupDir != "" && len(envelope.Maps) > 0 {
		info, err := m.Backup(ctx, BackupOptions{Dir: opts.SafetyBackupDir})
		if err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to take safety backup before import")
		}
		result.SafetyBackupPath = info.Path
	}

	track := newTracker(int64(len(envelope.Maps)), opts.Progress)
	applyBatch := func(tx *sql.Tx, batch []exportMap) error {
		for _, em := range batch {
			if err := m.importOne(ctx, tx, em, opts.Mode, result); err != nil {
				return err
			}
			track.step(1)
		}
		return nil
	}

	if opts.RollbackOnError {
		// A single transaction covers every batch, so a failed row leaves
		// the database exactly as it was.
		err := m.engine.WithTxn(ctx, func(tx *sql.Tx) error {
			return applyBatch(tx, envelope.Maps)
		})
		if err != nil {
			*result = ImportResult{SafetyBackupPath: result.SafetyBackupPath}
			return result, err
		}
	} else {
		for start := 0; start < len(envelope.Maps); start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > len(envelope.Maps) {
				end = len(envelope.Maps)
			}
			if err := m.engine.WithTxn(ctx, func(tx *sql.Tx) error {
				return applyBatch(tx, envelope.Maps[start:end])
			}); err != nil {
				if result.SafetyBackupPath != "" {
					return result, domain.WrapError(domain.KindInternal, err,
						"import failed; restore from %s to undo applied batches", result.SafetyBackupPath)
				}
				return result, err
			}
		}
	}

	m.logger.Info("import complete",
		zap.String("mode", string(opts.Mode)),
		zap.Int64("imported", result.Imported),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("overwritten", result.Overwritten),
		zap.Int64("merged", result.Merged))
	return result, nil
}

func (m *Manager) importOne(ctx context.Context, tx *sql.Tx, em exportMap, mode ImportMode, result *ImportResult) error {
	var existingVersion int64
	var existingState string
	err := tx.QueryRowContext(ctx,
		"SELECT version, state_json FROM maps WHERE id = ?", em.ID).
		Scan(&existingVersion, &existingState)
	switch {
	case err == sql.ErrNoRows:
		if err := insertImported(ctx, tx, em); err != nil {
			return err
		}
		result.Imported++
		return nil
	case err != nil:
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to look up map %s", em.ID)
	}

	switch mode {
	case ModeSkip:
		result.Skipped++
		return nil

	case ModeOverwrite:
		if err := replaceImported(ctx, tx, em, em.Version); err != nil {
			return err
		}
		result.Overwritten++
		return nil

	case ModeMerge:
		merged, err := jsonpatch.MergePatch([]byte(existingState), em.Data)
		if err != nil {
			return domain.WrapError(domain.KindInvalid, err, "failed to merge map %s", em.ID)
		}
		parsed, err := domain.ParseMindMap(merged)
		if err != nil {
			return domain.WrapError(domain.KindInvalid, err, "merge of map %s produced an invalid document", em.ID)
		}
		if err := parsed.Validate(); err != nil {
			return domain.WrapError(domain.KindInvalid, err, "merge of map %s violates document limits", em.ID)
		}

		version := existingVersion
		if em.Version > version {
			version = em.Version
		}
		em.Data = merged
		em.SizeBytes = int64(len(merged))
		if err := replaceImported(ctx, tx, em, version+1); err != nil {
			return err
		}
		result.Merged++
		return nil
	}
	return nil
}

func insertImported(ctx context.Context, tx *sql.Tx, em exportMap) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO maps (id, name, version, created_at, updated_at, state_json, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		em.ID, em.Name, em.Version,
		em.CreatedAt.UTC().Format(time.RFC3339Nano),
		em.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(em.Data), em.SizeBytes)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to insert map %s", em.ID)
	}
	return nil
}

func replaceImported(ctx context.Context, tx *sql.Tx, em exportMap, version int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE maps SET name = ?, version = ?, updated_at = ?, state_json = ?, size_bytes = ?
		 WHERE id = ?`,
		em.Name, version,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(em.Data), em.SizeBytes, em.ID)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to replace map %s", em.ID)
	}
	return nil
}

func readImport(opts ImportOptions) (*exportEnvelope, error) {
	var in io.Reader = opts.In
	if opts.Path != "" && opts.Path != "-" {
		f, err := os.Open(opts.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, domain.NotFoundf("import file %s", opts.Path)
			}
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to open %s", opts.Path)
		}
		defer f.Close()
		in = f
	}
	if in == nil {
		return nil, domain.Invalidf("import requires a path or reader")
	}

	// Compressed exports import transparently.
	br := bufio.NewReader(in)
	in = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, domain.Invalidf("malformed compressed import: %v", err)
		}
		defer gz.Close()
		in = gz
	}

	var envelope exportEnvelope
	dec := json.NewDecoder(in)
	if err := dec.Decode(&envelope); err != nil {
		return nil, domain.Invalidf("malformed import file: %v", err)
	}
	if envelope.FormatVersion != BackupFormatVersion {
		return nil, domain.Invalidf("unsupported import format version %d", envelope.FormatVersion)
	}
	return &envelope, nil
}

func validateImportMap(em exportMap) error {
	if em.ID == "" {
		return domain.Invalidf("import contains a map with no id")
	}
	if err := domain.ValidateName(em.Name); err != nil {
		return domain.WrapError(domain.KindInvalid, err, "map %s has an invalid name", em.ID)
	}
	if em.Version < 1 {
		return domain.Invalidf("map %s has version %d, want >= 1", em.ID, em.Version)
	}
	parsed, err := domain.ParseMindMap(em.Data)
	if err != nil {
		return domain.WrapError(domain.KindInvalid, err, "map %s has invalid state", em.ID)
	}
	if err := parsed.Validate(); err != nil {
		return domain.WrapError(domain.KindInvalid, err, "map %s violates document limits", em.ID)
	}
	return nil
}
