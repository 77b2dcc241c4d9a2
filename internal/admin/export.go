package admin

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	// FormatJSON is the canonical interchange format; Import reads it back.
	FormatJSON ExportFormat = "json"
	// FormatCSV flattens rows for spreadsheets; document state rides along as
	// a JSON column.
	FormatCSV ExportFormat = "csv"
	// FormatSQL emits INSERT statements for loading into another SQLite.
	FormatSQL ExportFormat = "sql"
)

// ExportOptions controls an export run.
type ExportOptions struct {
	Format ExportFormat
	// Path is the output file. "-" or empty writes to Out.
	Path string
	// Out receives the export when Path is unset.
	Out io.Writer
	// Gzip compresses the output stream.
	Gzip bool
	// NameFilter keeps only maps whose name contains the substring.
	NameFilter string
	// Since keeps maps updated at or after this instant.
	Since time.Time
	// Until keeps maps updated before this instant.
	Until time.Time
	// Progress receives per-map updates.
	Progress ProgressFunc
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	Path     string `json:"path,omitempty"`
	MapCount int64  `json:"mapCount"`
	Bytes    int64  `json:"bytes"`
}

// exportEnvelope is the JSON export layout.
type exportEnvelope struct {
	FormatVersion int         `json:"formatVersion"`
	ExportedAt    time.Time   `json:"exportedAt"`
	Maps          []exportMap `json:"maps"`
}

type exportMap struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SizeBytes int64           `json:"sizeBytes"`
	Data      json.RawMessage `json:"data"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Export writes the selected maps in the requested format. Every exported
// document is validated on the way out so a broken row is caught here, not on
// import.
func (m *Manager) Export(ctx context.Context, opts ExportOptions) (*ExportResult, error) {
	switch opts.Format {
	case FormatJSON, FormatCSV, FormatSQL:
	case "":
		opts.Format = FormatJSON
	default:
		return nil, domain.Invalidf("unknown export format %q", opts.Format)
	}

	maps, err := m.selectMaps(ctx, opts)
	if err != nil {
		return nil, err
	}

	var out io.Writer = opts.Out
	var file *os.File
	if opts.Path != "" && opts.Path != "-" {
		file, err = os.OpenFile(opts.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create %s", opts.Path)
		}
		defer file.Close()
		out = file
	}
	if out == nil {
		return nil, domain.Invalidf("export requires a path or writer")
	}

	counter := &countingWriter{w: out}
	var sink io.Writer = counter
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(counter)
		sink = gz
	}

	track := newTracker(int64(len(maps)), opts.Progress)
	switch opts.Format {
	case FormatJSON:
		err = writeJSONExport(sink, maps, track)
	case FormatCSV:
		err = writeCSVExport(sink, maps, track)
	case FormatSQL:
		err = writeSQLExport(sink, maps, track)
	}
	if err != nil {
		return nil, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to finish compressed export")
		}
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to close %s", opts.Path)
		}
	}

	result := &ExportResult{MapCount: int64(len(maps)), Bytes: counter.n}
	if file != nil {
		result.Path = opts.Path
	}
	m.logger.Info("export complete",
		zap.String("format", string(opts.Format)),
		zap.Int64("maps", result.MapCount),
		zap.Int64("bytes", result.Bytes))
	return result, nil
}

func (m *Manager) selectMaps(ctx context.Context, opts ExportOptions) ([]exportMap, error) {
	query := `SELECT id, name, version, created_at, updated_at, state_json, size_bytes FROM maps`
	var conds []string
	var args []interface{}

	if opts.NameFilter != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(opts.NameFilter)
		args = append(args, "%"+escaped+"%")
	}
	if !opts.Since.IsZero() {
		conds = append(conds, `updated_at >= ?`)
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Until.IsZero() {
		conds = append(conds, `updated_at < ?`)
		args = append(args, opts.Until.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"

	rows, err := m.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to query maps for export")
	}
	defer rows.Close()

	var maps []exportMap
	for rows.Next() {
		var em exportMap
		var createdAt, updatedAt, stateJSON string
		if err := rows.Scan(&em.ID, &em.Name, &em.Version, &createdAt, &updatedAt, &stateJSON, &em.SizeBytes); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to scan map for export")
		}
		if _, err := domain.ParseMindMap([]byte(stateJSON)); err != nil {
			return nil, domain.WrapError(domain.KindCorruption, err, "map %s holds invalid state", em.ID)
		}
		em.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		em.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		em.Data = json.RawMessage(stateJSON)
		maps = append(maps, em)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to iterate maps for export")
	}
	return maps, nil
}

func writeJSONExport(w io.Writer, maps []exportMap, track *tracker) error {
	envelope := exportEnvelope{
		FormatVersion: BackupFormatVersion,
		ExportedAt:    time.Now().UTC(),
		Maps:          maps,
	}
	if envelope.Maps == nil {
		envelope.Maps = []exportMap{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write JSON export")
	}
	track.step(int64(len(maps)))
	return nil
}

func writeCSVExport(w io.Writer, maps []exportMap, track *tracker) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "name", "version", "created_at", "updated_at", "size_bytes", "state_json"}); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write CSV header")
	}
	for _, em := range maps {
		record := []string{
			em.ID,
			em.Name,
			fmt.Sprintf("%d", em.Version),
			em.CreatedAt.UTC().Format(time.RFC3339Nano),
			em.UpdatedAt.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%d", em.SizeBytes),
			string(em.Data),
		}
		if err := cw.Write(record); err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write CSV row")
		}
		track.step(1)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to flush CSV export")
	}
	return nil
}

func writeSQLExport(w io.Writer, maps []exportMap, track *tracker) error {
	if _, err := fmt.Fprintln(w, "BEGIN TRANSACTION;"); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write SQL export")
	}
	for _, em := range maps {
		stmt := fmt.Sprintf(
			"INSERT INTO maps (id, name, version, created_at, updated_at, state_json, size_bytes) VALUES (%s, %s, %d, %s, %s, %s, %d);\n",
			sqlQuote(em.ID),
			sqlQuote(em.Name),
			em.Version,
			sqlQuote(em.CreatedAt.UTC().Format(time.RFC3339Nano)),
			sqlQuote(em.UpdatedAt.UTC().Format(time.RFC3339Nano)),
			sqlQuote(string(em.Data)),
			em.SizeBytes,
		)
		if _, err := io.WriteString(w, stmt); err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write SQL export")
		}
		track.step(1)
	}
	if _, err := fmt.Fprintln(w, "COMMIT;"); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to write SQL export")
	}
	return nil
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
