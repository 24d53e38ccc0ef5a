package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// dialect isolates the few statements that differ between sqlite and
// postgres.
type dialect interface {
	name() string
	placeholder(n int) string
	tablesQuery() string
	describe(ctx context.Context, db *sql.DB, table string) ([]Field, error)
	// afterPurge runs inside the purge transaction once the table is empty.
	afterPurge(ctx context.Context, tx *sql.Tx, table string) error
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// --- sqlite ---

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) tablesQuery() string {
	return `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`
}

func (sqliteDialect) describe(ctx context.Context, db *sql.DB, table string) ([]Field, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		f := Field{
			Name:     name,
			Type:     colType,
			Nullable: notNull == 0 && pk == 0,
		}
		if pk > 0 {
			f.Key = KeyPrimary
		}
		if dflt.Valid {
			f.Default = dflt.String
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks, err := db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list %s: %w", table, err)
	}
	defer fks.Close()

	for fks.Next() {
		var (
			id, seq                           int
			target, from                      string
			to, onUpdate, onDelete, matchRule sql.NullString
		)
		if err := fks.Scan(&id, &seq, &target, &from, &to, &onUpdate, &onDelete, &matchRule); err != nil {
			return nil, fmt.Errorf("scan foreign_key_list %s: %w", table, err)
		}
		toCol := "id"
		if to.Valid && to.String != "" {
			toCol = to.String
		}
		markForeign(fields, from, target+"."+toCol)
	}
	return fields, fks.Err()
}

func (sqliteDialect) afterPurge(ctx context.Context, tx *sql.Tx, table string) error {
	var seqTable string
	err := tx.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'").Scan(&seqTable)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check sqlite_sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = ?", table); err != nil {
		return fmt.Errorf("reset sequence for %s: %w", table, err)
	}
	return nil
}

// --- postgres ---

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) tablesQuery() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`
}

func (postgresDialect) describe(ctx context.Context, db *sql.DB, table string) ([]Field, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.column_default,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
					ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
					AND k.column_name = c.column_name
			)
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var (
			f       Field
			dflt    sql.NullString
			primary bool
		)
		if err := rows.Scan(&f.Name, &f.Type, &f.Nullable, &dflt, &primary); err != nil {
			return nil, fmt.Errorf("scan columns %s: %w", table, err)
		}
		if primary {
			f.Key = KeyPrimary
			f.Nullable = false
		}
		if dflt.Valid {
			f.Default = dflt.String
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks, err := db.QueryContext(ctx, `
		SELECT k.column_name, u.table_name, u.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage u
			ON u.constraint_name = tc.constraint_name AND u.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = current_schema() AND tc.table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys %s: %w", table, err)
	}
	defer fks.Close()

	for fks.Next() {
		var from, target, to string
		if err := fks.Scan(&from, &target, &to); err != nil {
			return nil, fmt.Errorf("scan foreign keys %s: %w", table, err)
		}
		markForeign(fields, from, target+"."+to)
	}
	return fields, fks.Err()
}

func (postgresDialect) afterPurge(context.Context, *sql.Tx, string) error { return nil }

// markForeign records a reference on the named field. A primary key keeps
// its key role.
func markForeign(fields []Field, column, ref string) {
	for i := range fields {
		if fields[i].Name != column {
			continue
		}
		fields[i].References = ref
		if fields[i].Key == "" {
			fields[i].Key = KeyForeign
		}
	}
}
