package pipeline

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/aggregate"
	"github.com/lox/speciesmix/internal/chart"
	"github.com/lox/speciesmix/internal/metrics"
	"github.com/lox/speciesmix/internal/models"
	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/store"
	"github.com/lox/speciesmix/internal/tabular"
)

// Outputs lists artifact paths. Empty paths are skipped.
type Outputs struct {
	Results     string
	Stands      string
	Chart       string
	Card        string
	MetricsFile string
}

func (r *Runner) publish(res *Result) error {
	delim := r.cfg.Delimiter
	if delim == 0 {
		delim = ','
	}
	out := r.cfg.Outputs

	if out.Results != "" {
		if err := writeFile(out.Results, func(f *os.File) error {
			return WriteResults(f, delim, r.schema, res.Records)
		}); err != nil {
			return fmt.Errorf("results: %w", err)
		}
		r.logger.Info("wrote results", zap.String("path", out.Results), zap.Int("rows", len(res.Records)))
	}

	if out.Stands != "" {
		if err := writeFile(out.Stands, func(f *os.File) error {
			return WriteStands(f, delim, r.schema, res.Stands, r.cfg.Precision)
		}); err != nil {
			return fmt.Errorf("stands: %w", err)
		}
		r.logger.Info("wrote stand aggregates", zap.String("path", out.Stands), zap.Int("rows", len(res.Stands)))
	}

	if out.Chart != "" {
		if err := chart.SaveScatter(out.Chart, res.Stands, chart.DefaultScatterOptions()); err != nil {
			return fmt.Errorf("chart: %w", err)
		}
		r.logger.Info("wrote chart", zap.String("path", out.Chart))
	}

	if out.Card != "" {
		if err := chart.SaveCard(out.Card, r.cardData(res)); err != nil {
			return fmt.Errorf("card: %w", err)
		}
		r.logger.Info("wrote card", zap.String("path", out.Card))
	}

	if r.history != nil {
		standMetrics := res.StandMetrics
		if err := r.history.SaveResults(res.RunID, store.Results{
			Records:      res.Records,
			Stands:       res.Stands,
			PlotMetrics:  res.PlotMetrics,
			StandMetrics: &standMetrics,
			Calibration:  res.Calibration,
		}); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	if out.MetricsFile != "" {
		if err := metrics.WriteTextfile(out.MetricsFile); err != nil {
			return fmt.Errorf("metrics textfile: %w", err)
		}
	}
	return nil
}

func (r *Runner) cardData(res *Result) chart.CardData {
	algorithm := r.cfg.Algorithm
	if res.Model != nil {
		algorithm = res.Model.Name()
	}
	standMetrics := res.StandMetrics
	return chart.CardData{
		Title:      "Species proportion accuracy",
		Algorithm:  algorithm,
		Calibrated: res.Calibration != nil,
		Plots:      len(res.Records),
		Stands:     len(res.Stands),
		Plot:       res.PlotMetrics,
		Stand:      &standMetrics,
	}
}

func writeFile(path string, fn func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func shareColumns(s *schema.Schema, suffix string) []string {
	cols := s.Targets.Columns()
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, c+suffix)
	}
	return out
}

// WriteResults emits one row per validation plot with observed and
// unrounded predicted shares.
func WriteResults(w io.Writer, delim rune, s *schema.Schema, records []models.Record) error {
	header := append([]string{s.PlotID, s.StandID}, shareColumns(s, "")...)
	header = append(header, shareColumns(s, "_pred")...)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := []string{rec.PlotID, rec.StandID}
		row = appendShares(row, rec.Observed, -1)
		row = appendShares(row, rec.Predicted, -1)
		rows = append(rows, row)
	}
	return tabular.Write(w, delim, header, rows)
}

// WriteStands emits the per-stand means rounded for display.
func WriteStands(w io.Writer, delim rune, s *schema.Schema, stands []models.StandAggregate, precision int) error {
	header := append([]string{s.StandID, "plots"}, shareColumns(s, "")...)
	header = append(header, shareColumns(s, "_pred")...)

	rows := make([][]string, 0, len(stands))
	for _, st := range aggregate.Rounded(stands, precision) {
		row := []string{st.StandID, fmt.Sprint(st.Plots)}
		row = appendShares(row, st.Observed, precision)
		row = appendShares(row, st.Predicted, precision)
		rows = append(rows, row)
	}
	return tabular.Write(w, delim, header, rows)
}

func appendShares(row []string, p models.Proportions, precision int) []string {
	for _, c := range models.Classes {
		row = append(row, tabular.FormatFloat(p[c], precision))
	}
	return row
}
