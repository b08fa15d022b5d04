// Package ingest loads the training and validation plot tables.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/metrics"
	"github.com/lox/speciesmix/internal/models"
	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/tabular"
)

// LoadError reports a missing or malformed input table. Line is 0 when the
// failure is not tied to a data row.
type LoadError struct {
	Source string
	Line   int
	Column string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "load " + e.Source
	if e.Line > 0 {
		msg += fmt.Sprintf(": line %d", e.Line)
	}
	if e.Column != "" {
		msg += fmt.Sprintf(": column %s", e.Column)
	}
	return msg + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

var (
	ErrMissingColumn = errors.New("required column missing")
	ErrDuplicatePlot = errors.New("duplicate plot id")
	ErrMissingValue  = errors.New("missing value")
	ErrNoPlots       = errors.New("table has no plots")
)

// Options controls how a single table is loaded.
type Options struct {
	Role           string // "training" or "validation", used in logs and metrics
	Delimiter      rune
	RequireTargets bool
}

// Loader reads plot tables from local files, ftp:// or http(s):// URLs.
type Loader struct {
	schema *schema.Schema
	ftp    *FTPClient
	http   *HTTPClient
	logger *zap.Logger
}

func NewLoader(s *schema.Schema, logger *zap.Logger) *Loader {
	return &Loader{
		schema: s,
		ftp:    NewFTPClient(logger),
		http:   NewHTTPClient(logger),
		logger: logger,
	}
}

// Load reads one table. The result carries the id and target columns plus
// every schema feature present in the header, in schema order; whether all
// features are present is checked later by schema.Select.
func (l *Loader) Load(ctx context.Context, source string, opts Options) (*models.PlotTable, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}

	r, err := l.open(ctx, source)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	defer r.Close()

	raw, err := tabular.Read(r, opts.Delimiter)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	t, err := l.build(source, raw, opts)
	if err != nil {
		return nil, err
	}

	metrics.PlotsLoaded.WithLabelValues(opts.Role).Add(float64(t.Len()))
	l.logger.Info("table loaded",
		zap.String("table", opts.Role),
		zap.String("source", source),
		zap.Int("plots", t.Len()),
		zap.Int("features", len(t.Features)))
	return t, nil
}

func (l *Loader) open(ctx context.Context, source string) (io.ReadCloser, error) {
	var fetch func(context.Context, string) ([]byte, error)
	switch {
	case isFTP(source):
		fetch = l.ftp.Fetch
	case isHTTP(source):
		fetch = l.http.Fetch
	default:
		return os.Open(source)
	}
	body, err := fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (l *Loader) build(source string, raw *tabular.Table, opts Options) (*models.PlotTable, error) {
	s := l.schema
	targets := s.Targets.Columns()

	required := append([]string{s.PlotID, s.StandID}, targets[:]...)
	if missing := raw.Missing(required...); len(missing) > 0 {
		return nil, &LoadError{Source: source, Column: missing[0], Err: ErrMissingColumn}
	}
	if len(raw.Rows) == 0 {
		return nil, &LoadError{Source: source, Err: ErrNoPlots}
	}

	plotCol, standCol := raw.Col(s.PlotID), raw.Col(s.StandID)
	var targetCols [models.NumClasses]int
	for i, name := range targets {
		targetCols[i] = raw.Col(name)
	}

	var features []string
	var featureCols []int
	for _, f := range s.Features {
		if c := raw.Col(f); c >= 0 {
			features = append(features, f)
			featureCols = append(featureCols, c)
		}
	}

	t := &models.PlotTable{
		Source:   source,
		Features: features,
		Plots:    make([]models.Plot, 0, len(raw.Rows)),
	}
	seen := make(map[string]int, len(raw.Rows))
	flagged := make(map[string]int)

	for i, row := range raw.Rows {
		line := raw.Lines[i]
		p := models.Plot{
			PlotID:   row[plotCol],
			StandID:  row[standCol],
			Features: make([]float64, len(featureCols)),
		}
		if p.PlotID == "" {
			return nil, &LoadError{Source: source, Line: line, Column: s.PlotID, Err: ErrMissingValue}
		}
		if prev, dup := seen[p.PlotID]; dup {
			return nil, &LoadError{Source: source, Line: line, Column: s.PlotID,
				Err: fmt.Errorf("%w %q (first seen on line %d)", ErrDuplicatePlot, p.PlotID, prev)}
		}
		seen[p.PlotID] = line

		for k, c := range targetCols {
			v, ok, err := tabular.ParseFloat(row[c])
			if err != nil {
				return nil, &LoadError{Source: source, Line: line, Column: targets[k], Err: err}
			}
			if !ok && opts.RequireTargets {
				return nil, &LoadError{Source: source, Line: line, Column: targets[k], Err: ErrMissingValue}
			}
			p.Observed[k] = v
		}

		for j, c := range featureCols {
			v, ok, err := tabular.ParseFloat(row[c])
			if err != nil {
				return nil, &LoadError{Source: source, Line: line, Column: features[j], Err: err}
			}
			if !ok {
				return nil, &LoadError{Source: source, Line: line, Column: features[j], Err: ErrMissingValue}
			}
			p.Features[j] = v
		}

		for _, flag := range ValidatePlot(&p) {
			flagged[flag]++
			metrics.QualityFlags.WithLabelValues(opts.Role, flag).Inc()
		}
		t.Plots = append(t.Plots, p)
	}

	for flag, n := range flagged {
		l.logger.Warn("quality flag raised",
			zap.String("table", opts.Role),
			zap.String("flag", flag),
			zap.Int("plots", n))
	}
	return t, nil
}
