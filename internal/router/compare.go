package router

import (
	"fmt"
	"strings"

	"github.com/manifolddb/manifold/internal/query"
)

// Comparison reports how the same query's results differ across
// environments, measured against a baseline environment.
type Comparison struct {
	Baseline      string              `json:"baseline"`
	SchemaMatch   bool                `json:"schema_match"`
	SchemaDiffs   map[string][]string `json:"schema_diffs,omitempty"`
	RowCounts     map[string]int      `json:"row_counts"`
	RowCountMatch bool                `json:"row_count_match"`
	// DataCompared is false when schema differences make row comparison
	// meaningless.
	DataCompared bool                `json:"data_compared"`
	DataMatch    bool                `json:"data_match"`
	DataDiffs    map[string]DataDiff `json:"data_diffs,omitempty"`
	// Errors holds one entry per environment whose execution failed, so a
	// clean set of match flags cannot hide a dead environment.
	Errors map[string]string `json:"errors,omitempty"`
}

// DataDiff counts the rows that separate one environment from the
// baseline.
type DataDiff struct {
	MissingFromEnvironment int `json:"missing_from_environment"`
	ExtraInEnvironment     int `json:"extra_in_environment"`
}

// Compare measures every successful result against the baseline
// environment. Schemas compare by ordered column name and type. Row data
// compares order-insensitively and only when every schema matches; sorting
// on stringified rows makes ORDER BY differences between environments
// irrelevant. Failed environments appear as Error entries in the
// comparison itself.
func Compare(baseline string, results map[string]*query.Result, failures map[string]string) *Comparison {
	cmp := &Comparison{
		Baseline:      baseline,
		SchemaMatch:   true,
		RowCounts:     make(map[string]int, len(results)),
		RowCountMatch: true,
	}
	if len(failures) > 0 {
		cmp.Errors = make(map[string]string, len(failures))
		for env, msg := range failures {
			cmp.Errors[env] = msg
		}
	}
	base, ok := results[baseline]
	if !ok {
		// The baseline itself failed; fall back to any surviving result so
		// the rest still compare against something.
		for _, env := range sortedKeys(results) {
			cmp.Baseline = env
			base = results[env]
			break
		}
		if base == nil {
			return cmp
		}
	}

	for env, res := range results {
		cmp.RowCounts[env] = res.RowCount
		if res.RowCount != base.RowCount {
			cmp.RowCountMatch = false
		}
		if env == cmp.Baseline {
			continue
		}
		if diffs := schemaDiffs(base.Columns, res.Columns); len(diffs) > 0 {
			cmp.SchemaMatch = false
			if cmp.SchemaDiffs == nil {
				cmp.SchemaDiffs = make(map[string][]string)
			}
			cmp.SchemaDiffs[env] = diffs
		}
	}

	if !cmp.SchemaMatch {
		return cmp
	}
	cmp.DataCompared = true
	cmp.DataMatch = true
	baseSet := rowMultiset(base.Rows)
	for env, res := range results {
		if env == cmp.Baseline {
			continue
		}
		missing, extra := multisetDiff(baseSet, rowMultiset(res.Rows))
		if missing == 0 && extra == 0 {
			continue
		}
		cmp.DataMatch = false
		if cmp.DataDiffs == nil {
			cmp.DataDiffs = make(map[string]DataDiff)
		}
		cmp.DataDiffs[env] = DataDiff{
			MissingFromEnvironment: missing,
			ExtraInEnvironment:     extra,
		}
	}
	return cmp
}

// schemaDiffs compares ordered column lists by name and type.
func schemaDiffs(base, other []query.ColumnInfo) []string {
	var diffs []string
	if len(base) != len(other) {
		diffs = append(diffs, fmt.Sprintf("column count %d vs baseline %d", len(other), len(base)))
	}
	n := len(base)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if base[i].Name != other[i].Name {
			diffs = append(diffs, fmt.Sprintf("column %d is %q vs baseline %q", i, other[i].Name, base[i].Name))
			continue
		}
		if base[i].Type != other[i].Type {
			diffs = append(diffs, fmt.Sprintf("column %q type %s vs baseline %s", base[i].Name, other[i].Type, base[i].Type))
		}
	}
	return diffs
}

// rowMultiset stringifies each row into a count map so comparison ignores
// row order but respects duplicates.
func rowMultiset(rows []query.Row) map[string]int {
	set := make(map[string]int, len(rows))
	for _, row := range rows {
		set[rowKey(row)]++
	}
	return set
}

func rowKey(row query.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			parts[i] = "\x00NULL"
			continue
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// multisetDiff returns how many baseline rows the other set lacks and how
// many extra rows it has.
func multisetDiff(base, other map[string]int) (missing, extra int) {
	for key, n := range base {
		if m := other[key]; m < n {
			missing += n - m
		}
	}
	for key, m := range other {
		if n := base[key]; m > n {
			extra += m - n
		}
	}
	return missing, extra
}
