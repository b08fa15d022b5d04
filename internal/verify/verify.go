// Package verify scores predicted shares against observations.
package verify

import (
	"fmt"
	"math"

	"github.com/lox/speciesmix/internal/models"
)

// UndefinedMetricError reports a class whose relative RMSE has no meaning
// because the observed mean is zero or no complete pairs exist.
type UndefinedMetricError struct {
	Class  models.Class
	Level  string
	Reason string
}

func (e *UndefinedMetricError) Error() string {
	return fmt.Sprintf("undefined %s metric for %s: %s", e.Level, e.Class, e.Reason)
}

// Options controls how undefined metrics are handled.
type Options struct {
	Level string // "plot" or "stand", used in errors
	// AllowUndefined records NaN instead of failing when relative RMSE
	// cannot be computed.
	AllowUndefined bool
}

// Evaluate computes mean difference, RMSE and relative RMSE per class.
// Pairs with a missing side are skipped.
func Evaluate(records []models.Record, opts Options) (models.Metrics, error) {
	if opts.Level == "" {
		opts.Level = "plot"
	}
	var out models.Metrics
	for _, c := range models.Classes {
		var n int
		var diffSum, sqSum, obsSum float64
		for _, r := range records {
			p, o := r.Predicted[c], r.Observed[c]
			if math.IsNaN(p) || math.IsNaN(o) {
				continue
			}
			d := p - o
			diffSum += d
			sqSum += d * d
			obsSum += o
			n++
		}

		if n == 0 {
			if !opts.AllowUndefined {
				return out, &UndefinedMetricError{Class: c, Level: opts.Level, Reason: "no complete observed/predicted pairs"}
			}
			out[c] = models.ClassMetrics{MeanDiff: math.NaN(), RMSE: math.NaN(), RelativeRMSE: math.NaN()}
			continue
		}

		m := models.ClassMetrics{
			N:        n,
			MeanDiff: diffSum / float64(n),
			RMSE:     math.Sqrt(sqSum / float64(n)),
		}
		obsMean := obsSum / float64(n)
		if obsMean == 0 {
			if !opts.AllowUndefined {
				return out, &UndefinedMetricError{Class: c, Level: opts.Level, Reason: "mean observed value is zero"}
			}
			m.RelativeRMSE = math.NaN()
		} else {
			m.RelativeRMSE = m.RMSE / obsMean
		}
		out[c] = m
	}
	return out, nil
}
