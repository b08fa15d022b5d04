package schema

import "strings"

// Rule matches a column name by prefix and/or suffix. Empty parts match anything.
type Rule struct {
	Prefix string `yaml:"prefix,omitempty"`
	Suffix string `yaml:"suffix,omitempty"`
}

// Match reports whether name satisfies the rule.
func (r Rule) Match(name string) bool {
	if r.Prefix == "" && r.Suffix == "" {
		return false
	}
	if !strings.HasPrefix(name, r.Prefix) || !strings.HasSuffix(name, r.Suffix) {
		return false
	}
	return len(name) > len(r.Prefix)+len(r.Suffix)
}

// ConventionRules is the naming convention used by the survey exports:
// height percentiles (H), densities (D) and intensities (i) with first/last
// return markers, seasonal spectral columns, seasonal ratios and normalized
// heights.
var ConventionRules = []Rule{
	{Prefix: "H", Suffix: "_f"},
	{Prefix: "H", Suffix: "_l"},
	{Prefix: "D", Suffix: "_f"},
	{Prefix: "D", Suffix: "_l"},
	{Prefix: "i", Suffix: "_f"},
	{Prefix: "i", Suffix: "_l"},
	{Suffix: "_spring"},
	{Suffix: "_summer"},
	{Suffix: "_autumn"},
	{Suffix: "_winter"},
	{Suffix: "_ratio"},
	{Suffix: "_Norm"},
}

// Derive returns the columns matching any rule, in header order, without
// duplicates and without the excluded names.
func Derive(columns []string, rules []Rule, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var out []string
	for _, col := range columns {
		if skip[col] {
			continue
		}
		for _, r := range rules {
			if r.Match(col) {
				out = append(out, col)
				skip[col] = true
				break
			}
		}
	}
	return out
}

// FromColumns builds a schema from a header using the naming convention and
// the id/target columns of base.
func FromColumns(version string, columns []string, base *Schema) *Schema {
	t := base.Targets
	exclude := []string{base.PlotID, base.StandID, t.Spruce, t.Pine, t.Deciduous}
	return &Schema{
		Version:  version,
		PlotID:   base.PlotID,
		StandID:  base.StandID,
		Targets:  t,
		Features: Derive(columns, ConventionRules, exclude...),
	}
}
