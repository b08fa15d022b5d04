// Package schema declares which predictor columns a model is trained on.
//
// A schema is an explicit, versioned list of feature names stored as YAML.
// Input tables are checked against it right after loading so that training
// and validation tables always carry the same features in the same order.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lox/speciesmix/internal/models"
)

//go:embed v1.yaml
var defaultSchema []byte

// Schema is the column contract for one dataset version.
type Schema struct {
	Version  string   `yaml:"version"`
	PlotID   string   `yaml:"plot_id"`
	StandID  string   `yaml:"stand_id"`
	Targets  Targets  `yaml:"targets"`
	Features []string `yaml:"features"`
}

// Targets names the observed proportion columns.
type Targets struct {
	Spruce    string `yaml:"spruce"`
	Pine      string `yaml:"pine"`
	Deciduous string `yaml:"deciduous"`
}

// Column returns the target column for a class.
func (t Targets) Column(c models.Class) string {
	switch c {
	case models.Spruce:
		return t.Spruce
	case models.Pine:
		return t.Pine
	case models.Deciduous:
		return t.Deciduous
	}
	return ""
}

// Columns returns the target columns in class order.
func (t Targets) Columns() [models.NumClasses]string {
	return [models.NumClasses]string{t.Spruce, t.Pine, t.Deciduous}
}

// MismatchError reports schema features missing from an input table.
type MismatchError struct {
	Table   string
	Missing []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: table %s is missing feature columns %s", e.Table, strings.Join(e.Missing, ", "))
}

// Default returns the embedded v1 schema.
func Default() *Schema {
	s, err := Parse(defaultSchema)
	if err != nil {
		panic(fmt.Sprintf("embedded schema: %v", err))
	}
	return s
}

// Load reads a schema file. An empty path yields the default schema.
func Load(path string) (*Schema, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a YAML schema.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the schema is usable.
func (s *Schema) Validate() error {
	if s.PlotID == "" || s.StandID == "" {
		return fmt.Errorf("schema %q: plot_id and stand_id are required", s.Version)
	}
	reserved := map[string]string{s.PlotID: "plot_id", s.StandID: "stand_id"}
	for _, c := range models.Classes {
		col := s.Targets.Column(c)
		if col == "" {
			return fmt.Errorf("schema %q: target column for %s is required", s.Version, c)
		}
		if prev, ok := reserved[col]; ok {
			return fmt.Errorf("schema %q: column %q used for both %s and %s target", s.Version, col, prev, c)
		}
		reserved[col] = c.String() + " target"
	}
	if len(s.Features) == 0 {
		return fmt.Errorf("schema %q: no features declared", s.Version)
	}
	seen := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if f == "" {
			return fmt.Errorf("schema %q: empty feature name", s.Version)
		}
		if role, ok := reserved[f]; ok {
			return fmt.Errorf("schema %q: feature %q is already the %s column", s.Version, f, role)
		}
		if seen[f] {
			return fmt.Errorf("schema %q: duplicate feature %q", s.Version, f)
		}
		seen[f] = true
	}
	return nil
}

// Marshal encodes the schema as YAML.
func (s *Schema) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Select restricts both tables to exactly the schema features in schema
// order. Either table lacking a schema feature is a MismatchError.
func (s *Schema) Select(train, valid *models.PlotTable) (*models.PlotTable, *models.PlotTable, error) {
	tr, err := s.restrict(train, "training")
	if err != nil {
		return nil, nil, err
	}
	va, err := s.restrict(valid, "validation")
	if err != nil {
		return nil, nil, err
	}
	return tr, va, nil
}

func (s *Schema) restrict(t *models.PlotTable, role string) (*models.PlotTable, error) {
	idx := make([]int, len(s.Features))
	var missing []string
	for i, f := range s.Features {
		idx[i] = t.FeatureIndex(f)
		if idx[i] < 0 {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		name := role
		if t.Source != "" {
			name = fmt.Sprintf("%s (%s)", role, t.Source)
		}
		return nil, &MismatchError{Table: name, Missing: missing}
	}

	out := &models.PlotTable{
		Source:   t.Source,
		Features: append([]string(nil), s.Features...),
		Plots:    make([]models.Plot, len(t.Plots)),
	}
	for i, p := range t.Plots {
		row := make([]float64, len(idx))
		for j, k := range idx {
			row[j] = p.Features[k]
		}
		p.Features = row
		out.Plots[i] = p
	}
	return out, nil
}
