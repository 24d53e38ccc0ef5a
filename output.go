package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsight/opscheck/internal/inspect"
)

const (
	formatTable  = "table"
	formatJSON   = "json"
	formatNDJSON = "ndjson"
	formatYAML   = "yaml"
)

func validFormat(f string) bool {
	switch f {
	case formatTable, formatJSON, formatNDJSON, formatYAML:
		return true
	}
	return false
}

// printer writes command results to stdout in the selected format.
type printer struct {
	w      io.Writer
	format string
}

// encode writes v as one JSON or YAML document.
func (p printer) encode(v any) error {
	switch p.format {
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatNDJSON:
		return json.NewEncoder(p.w).Encode(v)
	default:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func (p printer) table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// render prints items as a table, or encodes them. ndjson writes one
// item per line.
func render[T any](p printer, items []T, header []string, row func(T) []string) error {
	switch p.format {
	case formatTable:
		rows := make([][]string, len(items))
		for i, it := range items {
			rows[i] = row(it)
		}
		return p.table(header, rows)
	case formatNDJSON:
		for _, it := range items {
			if err := p.encode(it); err != nil {
				return err
			}
		}
		return nil
	default:
		if items == nil {
			items = []T{}
		}
		return p.encode(items)
	}
}

// cell formats a record value for table output.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return inspect.NullValue
	case time.Time:
		return t.Format(time.RFC3339)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
