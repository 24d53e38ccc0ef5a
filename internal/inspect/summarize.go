package inspect

import (
	"fmt"
	"iter"
	"sort"
)

// NullValue is the bucket for records whose field is NULL or absent.
const NullValue = "NULL"

// Summary holds record counts per distinct value of one field.
type Summary struct {
	Field  string         `json:"field" yaml:"field"`
	Total  int            `json:"total" yaml:"total"`
	Counts map[string]int `json:"counts" yaml:"counts"`
}

// Bucket is one distinct value and its count.
type Bucket struct {
	Value string `json:"value" yaml:"value"`
	Count int    `json:"count" yaml:"count"`
}

// Summarize counts records per distinct value of field. It has no side
// effects; the only error it returns is one yielded by records.
func Summarize(records iter.Seq2[Record, error], field string) (Summary, error) {
	sum := Summary{Field: field, Counts: make(map[string]int)}
	for rec, err := range records {
		if err != nil {
			return sum, err
		}
		sum.Counts[bucketKey(rec[field])]++
		sum.Total++
	}
	return sum, nil
}

func bucketKey(v any) string {
	if v == nil {
		return NullValue
	}
	return fmt.Sprint(v)
}

// Sorted returns the buckets by descending count, then by value.
func (s Summary) Sorted() []Bucket {
	out := make([]Bucket, 0, len(s.Counts))
	for v, n := range s.Counts {
		out = append(out, Bucket{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}
