package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/opsight/opscheck/internal/config"
	"github.com/opsight/opscheck/internal/diag"
	"github.com/opsight/opscheck/internal/inspect"
)

func storeCommands(rt *runtime) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "tables",
			Usage:  "List the tables in the store with their record counts",
			Action: rt.tables,
		},
		{
			Name:      "schema",
			Usage:     "Describe the fields of a collection",
			ArgsUsage: "COLLECTION",
			Action:    rt.schema,
		},
		{
			Name:      "list",
			Usage:     "List the records of a collection",
			ArgsUsage: "COLLECTION",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:    "where",
					Aliases: []string{"w"},
					Usage:   "Equality filter FIELD=VALUE, repeatable; true/false match boolean fields",
				},
				&cli.IntFlag{
					Name:  "limit",
					Usage: "Stop after this many records (0 for all)",
				},
			},
			Action: rt.list,
		},
		{
			Name:      "summarize",
			Usage:     "Count the records of a collection per distinct field value",
			ArgsUsage: "COLLECTION",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "by", Usage: "Field to group by", Required: true},
				&cli.StringSliceFlag{Name: "where", Aliases: []string{"w"}, Usage: "Equality filter FIELD=VALUE, repeatable; true/false match boolean fields"},
			},
			Action: rt.summarize,
		},
		{
			Name:  "check",
			Usage: "Verify reference, enum and NOT NULL integrity",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "strict", Usage: "Exit non-zero when anything is found"},
				&cli.BoolFlag{Name: "no-defaults", Usage: "Only run the rules from the config file"},
			},
			Action: rt.check,
		},
		{
			Name:      "purge",
			Usage:     "Delete every record of one or more collections in one transaction",
			ArgsUsage: "COLLECTION...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "confirm", Usage: "Actually delete; without it only counts are shown"},
				&cli.StringFlag{Name: "backup", Usage: "Snapshot the collections to this sqlite file first (with --confirm)"},
			},
			Action: rt.purge,
		},
		{
			Name:      "export",
			Usage:     "Copy collections into a standalone sqlite file",
			ArgsUsage: "[COLLECTION...]",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file path", Required: true},
			},
			Action: rt.export,
		},
	}
}

func (rt *runtime) withStore(c *cli.Context, fn func(*inspect.Store) error) error {
	s, err := rt.openStore(c.Context)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func collectionArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one COLLECTION argument", c.Command.Name)
	}
	return c.Args().First(), nil
}

// parseWhere turns FIELD=VALUE pairs into a filter.
func parseWhere(pairs []string) (inspect.Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	f := make(inspect.Filter, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q: want FIELD=VALUE", p)
		}
		f[k] = v
	}
	return f, nil
}

type tableCount struct {
	Table   string `json:"table" yaml:"table"`
	Records int64  `json:"records" yaml:"records"`
}

func (rt *runtime) tables(c *cli.Context) error {
	return rt.withStore(c, func(s *inspect.Store) error {
		names, err := s.Collections(c.Context)
		if err != nil {
			return err
		}
		counts := make([]tableCount, 0, len(names))
		for _, n := range names {
			records, err := s.Count(c.Context, n)
			if err != nil {
				return err
			}
			counts = append(counts, tableCount{Table: n, Records: records})
		}
		return render(rt.out, counts, []string{"TABLE", "RECORDS"}, func(tc tableCount) []string {
			return []string{tc.Table, strconv.FormatInt(tc.Records, 10)}
		})
	})
}

func (rt *runtime) schema(c *cli.Context) error {
	collection, err := collectionArg(c)
	if err != nil {
		return err
	}
	return rt.withStore(c, func(s *inspect.Store) error {
		fields, err := s.DescribeSchema(c.Context, collection)
		if err != nil {
			return err
		}
		return render(rt.out, fields, []string{"FIELD", "TYPE", "NULLABLE", "KEY", "REFERENCES", "DEFAULT"}, func(f inspect.Field) []string {
			return []string{f.Name, f.Type, yesNo(f.Nullable), f.Key, f.References, f.Default}
		})
	})
}

func (rt *runtime) list(c *cli.Context) error {
	collection, err := collectionArg(c)
	if err != nil {
		return err
	}
	filter, err := parseWhere(c.StringSlice("where"))
	if err != nil {
		return err
	}
	limit := c.Int("limit")

	return rt.withStore(c, func(s *inspect.Store) error {
		fields, err := s.DescribeSchema(c.Context, collection)
		if err != nil {
			return err
		}

		var records []inspect.Record
		for rec, err := range s.ListRecords(c.Context, collection, filter) {
			if err != nil {
				return err
			}
			if rt.out.format == formatNDJSON {
				if err := rt.out.encode(rec); err != nil {
					return err
				}
			} else {
				records = append(records, rec)
			}
			if limit--; limit == 0 {
				break
			}
		}
		if rt.out.format == formatNDJSON {
			return nil
		}

		header := make([]string, len(fields))
		for i, f := range fields {
			header[i] = f.Name
		}
		return render(rt.out, records, header, func(rec inspect.Record) []string {
			row := make([]string, len(header))
			for i, h := range header {
				row[i] = cell(rec[h])
			}
			return row
		})
	})
}

func (rt *runtime) summarize(c *cli.Context) error {
	collection, err := collectionArg(c)
	if err != nil {
		return err
	}
	filter, err := parseWhere(c.StringSlice("where"))
	if err != nil {
		return err
	}
	return rt.withStore(c, func(s *inspect.Store) error {
		sum, err := inspect.Summarize(s.ListRecords(c.Context, collection, filter), c.String("by"))
		if err != nil {
			return err
		}
		buckets := sum.Sorted()
		if rt.out.format != formatTable {
			return rt.out.encode(struct {
				Field   string           `json:"field" yaml:"field"`
				Total   int              `json:"total" yaml:"total"`
				Buckets []inspect.Bucket `json:"buckets" yaml:"buckets"`
			}{sum.Field, sum.Total, buckets})
		}
		rows := make([][]string, 0, len(buckets)+1)
		for _, b := range buckets {
			rows = append(rows, []string{b.Value, strconv.Itoa(b.Count)})
		}
		rows = append(rows, []string{"(total)", strconv.Itoa(sum.Total)})
		return rt.out.table([]string{strings.ToUpper(sum.Field), "COUNT"}, rows)
	})
}

// integrityRules merges the built-in rules with the config file's.
func integrityRules(cfg config.RulesConfig, defaults bool) inspect.Rules {
	var rules inspect.Rules
	if defaults {
		rules = inspect.DefaultRules()
	}
	for _, r := range cfg.References {
		rules.References = append(rules.References, inspect.ReferenceRule{
			Collection:  r.Collection,
			Field:       r.Field,
			Target:      r.Target,
			TargetField: r.TargetField,
		})
	}
	for _, r := range cfg.Enums {
		rules.Enums = append(rules.Enums, inspect.EnumRule{
			Collection: r.Collection,
			Field:      r.Field,
			Values:     r.Values,
		})
	}
	return rules
}

func (rt *runtime) check(c *cli.Context) error {
	rules := integrityRules(rt.cfg.Rules, !c.Bool("no-defaults"))
	return rt.withStore(c, func(s *inspect.Store) error {
		report, err := s.CheckIntegrity(c.Context, rules)
		if err != nil {
			return err
		}

		switch rt.out.format {
		case formatTable:
			err = rt.out.table([]string{"KIND", "COLLECTION", "FIELD", "RECORD", "VALUE", "DETAIL"}, warningRows(report.Warnings))
			if err != nil {
				return err
			}
			for _, m := range report.Missing {
				fmt.Fprintf(rt.out.w, "skipped: %s\n", m)
			}
			fmt.Fprintf(rt.out.w, "%d rules checked, %d warnings\n", report.Checked, len(report.Warnings))
		case formatNDJSON:
			for _, w := range report.Warnings {
				if err := rt.out.encode(w); err != nil {
					return err
				}
			}
		default:
			if err := rt.out.encode(report); err != nil {
				return err
			}
		}

		if c.Bool("strict") && !report.OK() {
			return fmt.Errorf("integrity check found %d warnings and %d missing rule targets", len(report.Warnings), len(report.Missing))
		}
		return nil
	})
}

func warningRows(ws []diag.DataIntegrityWarning) [][]string {
	rows := make([][]string, len(ws))
	for i, w := range ws {
		rows[i] = []string{w.Kind, w.Collection, w.Field, cell(w.RecordID), cell(w.Value), w.Detail}
	}
	return rows
}

type purgeCount struct {
	Collection string `json:"collection" yaml:"collection"`
	Records    int64  `json:"records" yaml:"records"`
	Action     string `json:"action" yaml:"action"`
}

func (rt *runtime) purge(c *cli.Context) error {
	collections := c.Args().Slice()
	if len(collections) == 0 {
		return fmt.Errorf("purge: at least one COLLECTION is required")
	}
	header := []string{"COLLECTION", "RECORDS", "ACTION"}
	row := func(p purgeCount) []string {
		return []string{p.Collection, strconv.FormatInt(p.Records, 10), p.Action}
	}

	return rt.withStore(c, func(s *inspect.Store) error {
		if !c.Bool("confirm") {
			counts := make([]purgeCount, 0, len(collections))
			for _, name := range collections {
				n, err := s.Count(c.Context, name)
				if err != nil {
					return err
				}
				counts = append(counts, purgeCount{Collection: name, Records: n, Action: "would delete"})
			}
			if err := render(rt.out, counts, header, row); err != nil {
				return err
			}
			if backup := c.String("backup"); backup != "" {
				rt.logger.Warn("dry run, backup not written", zap.String("backup", backup))
			}
			rt.logger.Warn("dry run, nothing deleted; pass --confirm to purge")
			return nil
		}

		if backup := c.String("backup"); backup != "" {
			if _, err := s.Snapshot(c.Context, backup, collections...); err != nil {
				return fmt.Errorf("backup before purge: %w", err)
			}
		}

		deleted, err := s.PurgeCollections(c.Context, collections...)
		if err != nil {
			return err
		}
		counts := make([]purgeCount, 0, len(collections))
		for _, name := range collections {
			counts = append(counts, purgeCount{Collection: name, Records: deleted[name], Action: "deleted"})
		}
		return render(rt.out, counts, header, row)
	})
}

func (rt *runtime) export(c *cli.Context) error {
	return rt.withStore(c, func(s *inspect.Store) error {
		collections := c.Args().Slice()
		if len(collections) == 0 {
			all, err := s.Collections(c.Context)
			if err != nil {
				return err
			}
			collections = all
		}

		written, err := s.Snapshot(c.Context, c.String("output"), collections...)
		if err != nil {
			return err
		}
		counts := make([]tableCount, 0, len(collections))
		for _, name := range collections {
			counts = append(counts, tableCount{Table: name, Records: written[name]})
		}
		return render(rt.out, counts, []string{"TABLE", "RECORDS"}, func(tc tableCount) []string {
			return []string{tc.Table, strconv.FormatInt(tc.Records, 10)}
		})
	})
}
