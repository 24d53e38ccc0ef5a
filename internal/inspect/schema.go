package inspect

import (
	"context"
	"fmt"
	"slices"

	"github.com/opsight/opscheck/internal/diag"
)

// Key roles reported by DescribeSchema.
const (
	KeyPrimary = "primary"
	KeyForeign = "foreign"
)

// Field is one column of a collection as declared by the backend.
type Field struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	Nullable   bool   `json:"nullable" yaml:"nullable"`
	Key        string `json:"key,omitempty" yaml:"key,omitempty"`
	References string `json:"references,omitempty" yaml:"references,omitempty"`
	Default    string `json:"default,omitempty" yaml:"default,omitempty"`
}

// collectionAliases maps the logical names used by operators onto the
// backend's table names.
var collectionAliases = map[string]string{
	"accounts":    "users",
	"groups":      "user_groups",
	"work_items":  "tasks",
	"reports":     "daily_reports",
	"agents":      "ai_agents",
	"functions":   "ai_functions",
	"call_logs":   "ai_call_logs",
	"completions": "task_completions",
}

// TableName returns the backend table a collection name refers to.
func TableName(collection string) string {
	if t, ok := collectionAliases[collection]; ok {
		return t
	}
	return collection
}

// Collections lists the tables present in the store.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.tablesQuery())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// resolve maps a collection name to an existing table.
func (s *Store) resolve(ctx context.Context, collection string) (string, error) {
	table := TableName(collection)
	tables, err := s.Collections(ctx)
	if err != nil {
		return "", err
	}
	if !slices.Contains(tables, table) {
		return "", diag.NotFound("collection", collection)
	}
	return table, nil
}

// DescribeSchema returns the declared fields of a collection in column
// order. It fails with a NotFoundError when the collection does not exist.
func (s *Store) DescribeSchema(ctx context.Context, collection string) ([]Field, error) {
	table, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.dialect.describe(ctx, s.db, table)
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	table, err := s.resolve(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func fieldByName(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
