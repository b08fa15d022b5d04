package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lox/speciesmix/internal/models"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ade80"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Summary renders the accuracy table printed after a run.
func Summary(res *Result, precision int) string {
	var sb strings.Builder

	name := "model"
	if res.Model != nil {
		name = res.Model.Name()
	}
	title := fmt.Sprintf("%s  %d plots  %d stands", name, len(res.Records), len(res.Stands))
	if res.Calibration != nil {
		title += "  calibrated"
	}
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")

	sb.WriteString(MetricsTable(res.PlotMetrics, res.StandMetrics, precision))
	sb.WriteString("\n")
	sb.WriteString(mutedStyle.Render("run " + res.RunID))
	sb.WriteString("\n")
	return sb.String()
}

// MetricsTable renders plot and stand metrics side by side per class.
func MetricsTable(plot, stand models.Metrics, precision int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("class", "level", "n", "mean diff", "RMSE", "rel. RMSE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, c := range models.Classes {
		t.Row(metricsRow(c.Title(), "plot", plot[c], precision)...)
		t.Row(metricsRow("", "stand", stand[c], precision)...)
	}
	return t.Render()
}

func metricsRow(class, level string, m models.ClassMetrics, precision int) []string {
	return []string{
		class,
		level,
		fmt.Sprint(m.N),
		formatMetric(m.MeanDiff, precision+2),
		formatMetric(m.RMSE, precision+2),
		formatPercent(m.RelativeRMSE),
	}
}

func formatMetric(v float64, precision int) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", precision, v)
}

func formatPercent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}

// StandsTable renders stand aggregates rounded for display.
func StandsTable(stands []models.StandAggregate, precision int) string {
	t := newSharesTable("stand", "plots")
	for _, st := range stands {
		st = st.Rounded(precision)
		t.Row(sharesRow([]string{st.StandID, fmt.Sprint(st.Plots)}, st.Observed, st.Predicted, precision)...)
	}
	return t.Render()
}

// PlotsTable renders per-plot observed and predicted shares.
func PlotsTable(records []models.Record, precision int) string {
	t := newSharesTable("plot", "stand")
	for _, r := range records {
		t.Row(sharesRow([]string{r.PlotID, r.StandID}, r.Observed, r.Predicted, precision)...)
	}
	return t.Render()
}

func newSharesTable(lead ...string) *table.Table {
	headers := append([]string{}, lead...)
	for _, c := range models.Classes {
		headers = append(headers, c.Code()+" obs", c.Code()+" pred")
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func sharesRow(lead []string, observed, predicted models.Proportions, precision int) []string {
	row := append([]string{}, lead...)
	for _, c := range models.Classes {
		row = append(row, formatMetric(observed[c], precision), formatMetric(predicted[c], precision))
	}
	return row
}
