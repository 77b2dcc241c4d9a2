package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"mindmeld/internal/domain"
)

// Migration is a single schema change. Version ordering is semver; plain
// numeric labels sort lexicographically as a fallback.
type Migration struct {
	Version            string
	Name               string
	SQL                string
	RollbackSQL        string
	DataTransformation func(ctx context.Context, tx *sql.Tx) error
	DependsOn          []string
}

// Checksum returns the hex SHA-256 of the migration's SQL, recorded on apply
// so later runs can detect edited history.
func (m Migration) Checksum() string {
	h := sha256.Sum256([]byte(m.SQL + "\x00" + m.RollbackSQL))
	return hex.EncodeToString(h[:])
}

// AppliedMigration is a row of the migrations table.
type AppliedMigration struct {
	Version         string    `json:"version"`
	Name            string    `json:"name"`
	AppliedAt       time.Time `json:"appliedAt"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Checksum        string    `json:"checksum"`
}

// MigrationStatus summarizes where the database stands relative to the known
// migration set.
type MigrationStatus struct {
	Current string             `json:"current"`
	Applied []AppliedMigration `json:"applied"`
	Pending []string           `json:"pending"`
}

// ApplyOptions controls a migration batch.
type ApplyOptions struct {
	// DryRun executes every pending migration inside one transaction and
	// rolls it back, validating the SQL without writing.
	DryRun bool
	// RollbackOnError undoes migrations already applied in this batch when a
	// later one fails. Requires rollback SQL on the applied ones.
	RollbackOnError bool
}

// Migrator applies and rolls back migrations over an Engine.
type Migrator struct {
	engine *Engine
	logger *zap.Logger
}

// NewMigrator creates a migrator.
func NewMigrator(engine *Engine, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{engine: engine, logger: logger}
}

// History returns the applied migrations, oldest first.
func (m *Migrator) History(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.engine.db.QueryContext(ctx,
		"SELECT version, name, applied_at, execution_time_ms, checksum FROM migrations")
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to read migration history")
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var rec AppliedMigration
		var appliedAt string
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt, &rec.ExecutionTimeMs, &rec.Checksum); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to scan migration row")
		}
		rec.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		applied = append(applied, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to iterate migration rows")
	}

	sort.Slice(applied, func(i, j int) bool {
		return compareVersions(applied[i].Version, applied[j].Version) < 0
	})
	return applied, nil
}

// Status reports the current version and which of the known migrations are
// still pending.
func (m *Migrator) Status(ctx context.Context, known []Migration) (*MigrationStatus, error) {
	applied, err := m.History(ctx)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[string]AppliedMigration, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = rec
	}

	status := &MigrationStatus{Applied: applied}
	if len(applied) > 0 {
		status.Current = applied[len(applied)-1].Version
	}

	for _, mig := range sortMigrations(known) {
		if rec, ok := appliedSet[mig.Version]; ok {
			if rec.Checksum != mig.Checksum() {
				return nil, domain.NewError(domain.KindCorruption,
					"migration %s checksum mismatch: recorded %s, defined %s",
					mig.Version, rec.Checksum, mig.Checksum())
			}
			continue
		}
		status.Pending = append(status.Pending, mig.Version)
	}

	return status, nil
}

// Apply runs every pending migration in version order, each inside its own
// transaction together with its data transformation and its history record.
func (m *Migrator) Apply(ctx context.Context, known []Migration, opts ApplyOptions) ([]AppliedMigration, error) {
	status, err := m.Status(ctx, known)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]Migration, len(known))
	for _, mig := range known {
		byVersion[mig.Version] = mig
	}
	appliedSet := make(map[string]bool, len(status.Applied))
	for _, rec := range status.Applied {
		appliedSet[rec.Version] = true
	}

	var pending []Migration
	for _, version := range status.Pending {
		mig := byVersion[version]
		for _, dep := range mig.DependsOn {
			if !appliedSet[dep] && !containsVersion(status.Pending, dep) {
				return nil, domain.Invalidf("migration %s depends on unknown migration %s", mig.Version, dep)
			}
		}
		pending = append(pending, mig)
	}

	if opts.DryRun {
		return nil, m.dryRun(ctx, pending)
	}

	var batch []AppliedMigration
	for _, mig := range pending {
		rec, err := m.applyOne(ctx, mig)
		if err != nil {
			if opts.RollbackOnError {
				if rbErr := m.rollbackBatch(ctx, batch, byVersion); rbErr != nil {
					return batch, domain.WrapError(domain.KindInternal, rbErr,
						"migration %s failed and batch rollback also failed", mig.Version)
				}
			}
			return batch, err
		}
		batch = append(batch, rec)
		m.logger.Info("applied migration",
			zap.String("version", rec.Version),
			zap.String("name", rec.Name),
			zap.Int64("execution_time_ms", rec.ExecutionTimeMs))
	}

	return batch, nil
}

func (m *Migrator) dryRun(ctx context.Context, pending []Migration) error {
	tx, err := m.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to begin dry-run transaction")
	}
	defer tx.Rollback()

	for _, mig := range pending {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return domain.WrapError(domain.KindInvalid, err, "migration %s failed validation", mig.Version)
		}
		if mig.DataTransformation != nil {
			if err := mig.DataTransformation(ctx, tx); err != nil {
				return domain.WrapError(domain.KindInvalid, err, "migration %s data transformation failed validation", mig.Version)
			}
		}
	}

	// Dry run never commits.
	return nil
}

func (m *Migrator) applyOne(ctx context.Context, mig Migration) (AppliedMigration, error) {
	start := time.Now()
	rec := AppliedMigration{
		Version:  mig.Version,
		Name:     mig.Name,
		Checksum: mig.Checksum(),
	}

	err := m.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return domain.WrapError(domain.KindInvalid, err, "migration %s failed", mig.Version)
		}
		if mig.DataTransformation != nil {
			if err := mig.DataTransformation(ctx, tx); err != nil {
				return domain.WrapError(domain.KindInvalid, err, "migration %s data transformation failed", mig.Version)
			}
		}

		rec.AppliedAt = time.Now().UTC()
		rec.ExecutionTimeMs = time.Since(start).Milliseconds()
		_, err := tx.ExecContext(ctx,
			"INSERT INTO migrations (version, name, applied_at, execution_time_ms, checksum) VALUES (?, ?, ?, ?, ?)",
			rec.Version, rec.Name, rec.AppliedAt.Format(time.RFC3339Nano), rec.ExecutionTimeMs, rec.Checksum)
		if err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to record migration %s", mig.Version)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// RollbackLast undoes the most recently applied migration. The migration
// definition must supply rollback SQL.
func (m *Migrator) RollbackLast(ctx context.Context, known []Migration) (string, error) {
	applied, err := m.History(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", domain.NotFoundf("no applied migrations to roll back")
	}

	last := applied[len(applied)-1]
	byVersion := make(map[string]Migration, len(known))
	for _, mig := range known {
		byVersion[mig.Version] = mig
	}
	if err := m.rollbackOne(ctx, last.Version, byVersion); err != nil {
		return "", err
	}
	return last.Version, nil
}

// RollbackTo undoes every migration above target, newest first. Every
// affected migration must supply rollback SQL; validation happens before any
// change is made so a half-rollback is impossible.
func (m *Migrator) RollbackTo(ctx context.Context, known []Migration, target string) ([]string, error) {
	applied, err := m.History(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]Migration, len(known))
	for _, mig := range known {
		byVersion[mig.Version] = mig
	}

	var affected []string
	for i := len(applied) - 1; i >= 0; i-- {
		if compareVersions(applied[i].Version, target) <= 0 {
			break
		}
		affected = append(affected, applied[i].Version)
	}
	if len(affected) == 0 {
		return nil, domain.NotFoundf("no applied migrations above version %s", target)
	}

	for _, version := range affected {
		mig, ok := byVersion[version]
		if !ok || mig.RollbackSQL == "" {
			return nil, domain.Invalidf("migration %s has no rollback", version)
		}
	}

	var rolledBack []string
	for _, version := range affected {
		if err := m.rollbackOne(ctx, version, byVersion); err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, version)
	}
	return rolledBack, nil
}

func (m *Migrator) rollbackOne(ctx context.Context, version string, byVersion map[string]Migration) error {
	mig, ok := byVersion[version]
	if !ok {
		return domain.Invalidf("migration %s is not known", version)
	}
	if mig.RollbackSQL == "" {
		return domain.Invalidf("migration %s has no rollback", version)
	}

	err := m.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.RollbackSQL); err != nil {
			return domain.WrapError(domain.KindInvalid, err, "rollback of migration %s failed", version)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", version); err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to remove migration record %s", version)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("rolled back migration", zap.String("version", version))
	return nil
}

func (m *Migrator) rollbackBatch(ctx context.Context, batch []AppliedMigration, byVersion map[string]Migration) error {
	for i := len(batch) - 1; i >= 0; i-- {
		if err := m.rollbackOne(ctx, batch[i].Version, byVersion); err != nil {
			return err
		}
	}
	return nil
}

func sortMigrations(migrations []Migration) []Migration {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return compareVersions(sorted[i].Version, sorted[j].Version) < 0
	})
	return sorted
}

// compareVersions orders semver strings, tolerating a missing "v" prefix.
// Non-semver labels fall back to lexicographic order.
func compareVersions(a, b string) int {
	av, bv := a, b
	if !strings.HasPrefix(av, "v") {
		av = "v" + av
	}
	if !strings.HasPrefix(bv, "v") {
		bv = "v" + bv
	}
	if semver.IsValid(av) && semver.IsValid(bv) {
		return semver.Compare(av, bv)
	}
	return strings.Compare(a, b)
}

func containsVersion(versions []string, v string) bool {
	for _, candidate := range versions {
		if candidate == v {
			return true
		}
	}
	return false
}
