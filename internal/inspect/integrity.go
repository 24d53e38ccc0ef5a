package inspect

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/opsight/opscheck/internal/diag"
)

// ReferenceRule requires every non-null Collection.Field to match an
// existing Target.TargetField.
type ReferenceRule struct {
	Collection  string
	Field       string
	Target      string
	TargetField string
}

// EnumRule restricts Collection.Field to Values. Comparison ignores case
// because older backend rows hold upper-case enum names.
type EnumRule struct {
	Collection string
	Field      string
	Values     []string
}

// Rules is the full set of checks run by CheckIntegrity.
type Rules struct {
	References []ReferenceRule
	Enums      []EnumRule
	// NotNull lists the collections whose NOT NULL columns are verified.
	NotNull []string
}

// DefaultRules returns the reference, enum and nullability expectations of
// the OpSight backend models.
func DefaultRules() Rules {
	return Rules{
		References: []ReferenceRule{
			{"accounts", "group_id", "groups", "id"},
			{"work_items", "assigned_to", "accounts", "id"},
			{"work_items", "target_group_id", "groups", "id"},
			{"work_items", "created_by", "accounts", "id"},
			{"reports", "user_id", "accounts", "id"},
			{"functions", "agent_id", "agents", "id"},
			{"call_logs", "agent_id", "agents", "id"},
			{"call_logs", "function_id", "functions", "id"},
			{"call_logs", "user_id", "accounts", "id"},
			{"completions", "task_id", "work_items", "id"},
			{"completions", "user_id", "accounts", "id"},
		},
		Enums: []EnumRule{
			{"accounts", "role", []string{"user", "admin", "super_admin"}},
			{"accounts", "identity_type", []string{"cc", "ss", "lp", "sa"}},
			{"work_items", "task_type", []string{"amount", "quantity", "jielong", "checkbox"}},
			{"work_items", "assignment_type", []string{"user", "group", "identity", "all"}},
			{"work_items", "status", []string{"pending", "processing", "done", "cancelled"}},
			{"work_items", "priority", []string{"urgent", "high", "medium", "low"}},
			{"call_logs", "status", []string{"pending", "success", "failed", "timeout", "rate_limited"}},
			{"agents", "provider", []string{"openrouter", "openai", "claude", "gemini", "deepseek"}},
		},
		NotNull: []string{"accounts", "groups", "work_items", "call_logs"},
	}
}

// Report collects the findings of one integrity run.
type Report struct {
	Warnings []diag.DataIntegrityWarning `json:"warnings" yaml:"warnings"`
	// Missing holds NotFoundErrors for rules whose collection or field does
	// not exist. They are reported and checking continues.
	Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	// Checked counts the rules that ran to completion.
	Checked int `json:"checked" yaml:"checked"`
}

// OK reports whether the run found nothing.
func (r *Report) OK() bool {
	return len(r.Warnings) == 0 && len(r.Missing) == 0
}

// CheckIntegrity verifies rules against the store. Integrity problems are
// returned as warnings in the report, never as errors; only store failures
// abort the run.
func (s *Store) CheckIntegrity(ctx context.Context, rules Rules) (*Report, error) {
	report := &Report{}

	for _, r := range rules.References {
		err := s.checkReference(ctx, r, report)
		if err := s.absorbNotFound(err, report); err != nil {
			return report, err
		}
	}
	for _, r := range rules.Enums {
		err := s.checkEnum(ctx, r, report)
		if err := s.absorbNotFound(err, report); err != nil {
			return report, err
		}
	}
	for _, c := range rules.NotNull {
		err := s.checkNotNull(ctx, c, report)
		if err := s.absorbNotFound(err, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Store) absorbNotFound(err error, report *Report) error {
	if err == nil {
		return nil
	}
	if diag.IsNotFound(err) {
		s.logger.Warn("integrity rule skipped", zap.Error(err))
		report.Missing = append(report.Missing, err.Error())
		return nil
	}
	return err
}

// fieldsOf resolves a collection and checks that the named columns exist.
func (s *Store) fieldsOf(ctx context.Context, collection string, columns ...string) (string, []Field, error) {
	table, err := s.resolve(ctx, collection)
	if err != nil {
		return "", nil, err
	}
	fields, err := s.dialect.describe(ctx, s.db, table)
	if err != nil {
		return "", nil, err
	}
	for _, c := range columns {
		if _, ok := fieldByName(fields, c); !ok {
			return "", nil, diag.NotFound("column", table+"."+c)
		}
	}
	return table, fields, nil
}

// idExpr selects the record id when the table has an id column.
func idExpr(alias string, fields []Field) string {
	if _, ok := fieldByName(fields, "id"); ok {
		return alias + `."id"`
	}
	return "NULL"
}

func (s *Store) checkReference(ctx context.Context, r ReferenceRule, report *Report) error {
	table, fields, err := s.fieldsOf(ctx, r.Collection, r.Field)
	if err != nil {
		return err
	}
	targetField := r.TargetField
	if targetField == "" {
		targetField = "id"
	}
	target, _, err := s.fieldsOf(ctx, r.Target, targetField)
	if err != nil {
		return err
	}

	col := quoteIdent(r.Field)
	tcol := quoteIdent(targetField)
	query := fmt.Sprintf(
		`SELECT %s, s.%s FROM %s s LEFT JOIN %s t ON s.%s = t.%s WHERE s.%s IS NOT NULL AND t.%s IS NULL`,
		idExpr("s", fields), col, quoteIdent(table), quoteIdent(target), col, tcol, col, tcol)

	err = s.scanFindings(ctx, query, func(id, value any) {
		report.Warnings = append(report.Warnings, diag.DataIntegrityWarning{
			Kind:       diag.WarnDanglingReference,
			Collection: table,
			Field:      r.Field,
			RecordID:   id,
			Value:      value,
			Detail:     fmt.Sprintf("no %s.%s = %v", target, targetField, value),
		})
	})
	if err == nil {
		report.Checked++
	}
	return err
}

func (s *Store) checkEnum(ctx context.Context, r EnumRule, report *Report) error {
	table, fields, err := s.fieldsOf(ctx, r.Collection, r.Field)
	if err != nil {
		return err
	}
	allowed := make([]string, len(r.Values))
	for i, v := range r.Values {
		allowed[i] = strings.ToLower(v)
	}

	col := quoteIdent(r.Field)
	query := fmt.Sprintf(`SELECT %s, s.%s FROM %s s WHERE s.%s IS NOT NULL`,
		idExpr("s", fields), col, quoteIdent(table), col)

	err = s.scanFindings(ctx, query, func(id, value any) {
		if slices.Contains(allowed, strings.ToLower(fmt.Sprint(value))) {
			return
		}
		report.Warnings = append(report.Warnings, diag.DataIntegrityWarning{
			Kind:       diag.WarnUnexpectedEnum,
			Collection: table,
			Field:      r.Field,
			RecordID:   id,
			Value:      value,
			Detail:     "expected one of " + strings.Join(r.Values, ", "),
		})
	})
	if err == nil {
		report.Checked++
	}
	return err
}

func (s *Store) checkNotNull(ctx context.Context, collection string, report *Report) error {
	table, fields, err := s.fieldsOf(ctx, collection)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.Nullable || f.Key == KeyPrimary {
			continue
		}
		col := quoteIdent(f.Name)
		query := fmt.Sprintf(`SELECT %s, s.%s FROM %s s WHERE s.%s IS NULL`,
			idExpr("s", fields), col, quoteIdent(table), col)
		err := s.scanFindings(ctx, query, func(id, _ any) {
			report.Warnings = append(report.Warnings, diag.DataIntegrityWarning{
				Kind:       diag.WarnNullViolation,
				Collection: table,
				Field:      f.Name,
				RecordID:   id,
				Detail:     "column is declared NOT NULL",
			})
		})
		if err != nil {
			return err
		}
		report.Checked++
	}
	return nil
}

// scanFindings runs a two-column (id, value) query and calls fn per row.
func (s *Store) scanFindings(ctx context.Context, query string, fn func(id, value any)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("integrity query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, value any
		if err := rows.Scan(&id, &value); err != nil {
			return fmt.Errorf("scan integrity row: %w", err)
		}
		fn(normalizeValue(id), normalizeValue(value))
	}
	return rows.Err()
}
