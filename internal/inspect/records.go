package inspect

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/opsight/opscheck/internal/diag"
)

// Record is one row keyed by column name.
type Record map[string]any

// Filter restricts ListRecords to rows whose columns equal the given values.
type Filter map[string]any

// ListRecords returns a lazy sequence of the records in a collection that
// match filter. The query runs when the sequence is ranged over, so ranging
// again re-executes it. Lookup and query failures are yielded as the
// sequence's error and end it.
func (s *Store) ListRecords(ctx context.Context, collection string, filter Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		query, args, err := s.selectQuery(ctx, collection, filter)
		if err != nil {
			yield(nil, err)
			return
		}
		s.logger.Debug("list records", zap.String("query", query), zap.Int("args", len(args)))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query %s: %w", collection, err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, fmt.Errorf("columns %s: %w", collection, err))
			return
		}

		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				yield(nil, fmt.Errorf("scan %s: %w", collection, err))
				return
			}
			rec := make(Record, len(cols))
			for i, col := range cols {
				rec[col] = normalizeValue(values[i])
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate %s: %w", collection, err))
		}
	}
}

func (s *Store) selectQuery(ctx context.Context, collection string, filter Filter) (string, []any, error) {
	table, err := s.resolve(ctx, collection)
	if err != nil {
		return "", nil, err
	}

	query := "SELECT * FROM " + quoteIdent(table)
	if len(filter) == 0 {
		return query, nil, nil
	}

	fields, err := s.dialect.describe(ctx, s.db, table)
	if err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		f, ok := fieldByName(fields, k)
		if !ok {
			return "", nil, diag.NotFound("column", table+"."+k)
		}
		conds = append(conds, quoteIdent(k)+" = "+s.dialect.placeholder(i+1))
		args = append(args, filterValue(f, filter[k]))
	}
	return query + " WHERE " + strings.Join(conds, " AND "), args, nil
}

// filterValue binds "true" and "false" as booleans on boolean columns, which
// sqlite stores as 1 and 0.
func filterValue(f Field, v any) any {
	str, ok := v.(string)
	if !ok || !strings.Contains(strings.ToUpper(f.Type), "BOOL") {
		return v
	}
	switch {
	case strings.EqualFold(str, "true"):
		return true
	case strings.EqualFold(str, "false"):
		return false
	}
	return v
}

// normalizeValue turns driver byte slices into strings so records print and
// encode as text.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Collect drains a record sequence into a slice.
func Collect(records iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range records {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
