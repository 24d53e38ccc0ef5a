package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"
)

// SnapshotWriter copies collections into a standalone sqlite file. Columns
// keep their declared types but no constraints, so rows that violate the
// source schema are preserved as found.
type SnapshotWriter struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSnapshotWriter(dbPath string, logger *zap.Logger) (*SnapshotWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	return &SnapshotWriter{db: db, logger: logger}, nil
}

// snapshotType maps a source column type onto something sqlite accepts in
// a column definition. postgres reports enums as USER-DEFINED and arrays as
// ARRAY, which are stored as TEXT. Any other type that is not a plain type
// name is dropped so the column keeps values as given.
func snapshotType(t string) string {
	t = strings.TrimSpace(t)
	switch strings.ToUpper(t) {
	case "USER-DEFINED", "ARRAY":
		return "TEXT"
	}
	for i, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == ' ' || r == '(' || r == ')' || r == ','):
		default:
			return ""
		}
	}
	return t
}

func (w *SnapshotWriter) createTable(ctx context.Context, table string, fields []Field) error {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = strings.TrimSpace(quoteIdent(f.Name) + " " + snapshotType(f.Type))
	}
	_, err := w.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("create snapshot table %s: %w", table, err)
	}
	return nil
}

// WriteCollection replaces the snapshot's copy of table with records.
func (w *SnapshotWriter) WriteCollection(ctx context.Context, table string, fields []Field, records iter.Seq2[Record, error]) (n int64, err error) {
	if err := w.createTable(ctx, table, fields); err != nil {
		return 0, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot: %w", err)
	}
	defer rollback(tx, w.logger)

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)); err != nil {
		return 0, fmt.Errorf("clear snapshot table %s: %w", table, err)
	}

	names := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		names[i] = quoteIdent(f.Name)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return 0, fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(fields))
	for rec, err := range records {
		if err != nil {
			return 0, err
		}
		for i, f := range fields {
			args[i] = rec[f.Name]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert into snapshot %s: %w", table, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot %s: %w", table, err)
	}
	return n, nil
}

func (w *SnapshotWriter) Close() error {
	return w.db.Close()
}

// Snapshot copies the named collections into a sqlite file at path and
// returns the row count written per collection. Every name is resolved
// before the file is touched.
func (s *Store) Snapshot(ctx context.Context, path string, collections ...string) (map[string]int64, error) {
	tables := make([]string, len(collections))
	schemas := make([][]Field, len(collections))
	for i, c := range collections {
		t, err := s.resolve(ctx, c)
		if err != nil {
			return nil, err
		}
		fields, err := s.dialect.describe(ctx, s.db, t)
		if err != nil {
			return nil, err
		}
		tables[i], schemas[i] = t, fields
	}

	w, err := NewSnapshotWriter(path, s.logger)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	written := make(map[string]int64, len(collections))
	for i, c := range collections {
		n, err := w.WriteCollection(ctx, tables[i], schemas[i], s.ListRecords(ctx, tables[i], nil))
		if err != nil {
			return written, err
		}
		written[c] = n
		s.logger.Info("snapshot written",
			zap.String("collection", c),
			zap.String("path", path),
			zap.Int64("records", n))
	}
	return written, nil
}
