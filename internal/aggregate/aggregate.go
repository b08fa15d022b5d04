// Package aggregate lifts plot-level records to stands.
package aggregate

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/lox/speciesmix/internal/models"
)

// Records pairs each plot of a table with its prediction.
func Records(t *models.PlotTable, predicted []models.Proportions) ([]models.Record, error) {
	if len(predicted) != t.Len() {
		return nil, fmt.Errorf("records: %d predictions for %d plots", len(predicted), t.Len())
	}
	out := make([]models.Record, t.Len())
	for i, p := range t.Plots {
		out[i] = models.Record{
			PlotID:    p.PlotID,
			StandID:   p.StandID,
			Observed:  p.Observed,
			Predicted: predicted[i],
		}
	}
	return out, nil
}

type accumulator struct {
	plots   int
	obsSum  models.Proportions
	obsN    [models.NumClasses]int
	predSum models.Proportions
	predN   [models.NumClasses]int
}

func (a *accumulator) add(r models.Record) {
	a.plots++
	for k := range models.NumClasses {
		if v := r.Observed[k]; !math.IsNaN(v) {
			a.obsSum[k] += v
			a.obsN[k]++
		}
		if v := r.Predicted[k]; !math.IsNaN(v) {
			a.predSum[k] += v
			a.predN[k]++
		}
	}
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// ByStand averages observed and predicted shares per stand, ignoring missing
// values. Stands are returned sorted by id so the result does not depend on
// record order.
func ByStand(records []models.Record) []models.StandAggregate {
	acc := make(map[string]*accumulator)
	for _, r := range records {
		a, ok := acc[r.StandID]
		if !ok {
			a = &accumulator{}
			acc[r.StandID] = a
		}
		a.add(r)
	}

	out := make([]models.StandAggregate, 0, len(acc))
	for id, a := range acc {
		s := models.StandAggregate{StandID: id, Plots: a.plots}
		for k := range models.NumClasses {
			s.Observed[k] = mean(a.obsSum[k], a.obsN[k])
			s.Predicted[k] = mean(a.predSum[k], a.predN[k])
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b models.StandAggregate) int {
		return strings.Compare(a.StandID, b.StandID)
	})
	return out
}

// Rounded returns display copies of stands.
func Rounded(stands []models.StandAggregate, precision int) []models.StandAggregate {
	out := make([]models.StandAggregate, len(stands))
	for i, s := range stands {
		out[i] = s.Rounded(precision)
	}
	return out
}

// AsRecords exposes stand means as records so they can be verified like plots.
func AsRecords(stands []models.StandAggregate) []models.Record {
	out := make([]models.Record, len(stands))
	for i, s := range stands {
		out[i] = models.Record{PlotID: s.StandID, StandID: s.StandID, Observed: s.Observed, Predicted: s.Predicted}
	}
	return out
}
