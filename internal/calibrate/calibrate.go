// Package calibrate removes the systematic shrinkage of predicted shares.
//
// For each class an affine model predicted = a + b*observed is fitted on
// out-of-sample training predictions; new predictions are mapped back with
// (predicted - a) / b and clipped to [0,1]. Classes are corrected
// independently, so results need renormalising afterwards.
package calibrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/speciesmix/internal/compose"
	"github.com/lox/speciesmix/internal/models"
)

// MinSlope is the smallest |b| accepted. Flatter fits amplify predictions
// so much that every corrected value clips to 0 or 1.
const MinSlope = 1e-3

// DegenerateError reports a class whose fit cannot be inverted.
type DegenerateError struct {
	Class     models.Class
	Intercept float64
	Slope     float64
	Reason    string
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("degenerate calibration for %s: %s (intercept=%g slope=%g)", e.Class, e.Reason, e.Intercept, e.Slope)
}

// Coefficients is the affine fit for one class.
type Coefficients struct {
	Intercept float64
	Slope     float64
	N         int
}

// Correct inverts the fit for one value and clips the result.
func (c Coefficients) Correct(predicted float64) float64 {
	return compose.Clip((predicted - c.Intercept) / c.Slope)
}

// Calibration holds one fit per class.
type Calibration [models.NumClasses]Coefficients

// Fit estimates the per-class fits from paired out-of-sample predictions and
// observations. Pairs with a missing side are skipped.
func Fit(predicted, observed []models.Proportions) (*Calibration, error) {
	if len(predicted) != len(observed) {
		return nil, fmt.Errorf("calibrate: %d predictions but %d observations", len(predicted), len(observed))
	}

	var cal Calibration
	for _, c := range models.Classes {
		var xs, ys []float64
		for i := range predicted {
			p, o := predicted[i][c], observed[i][c]
			if math.IsNaN(p) || math.IsNaN(o) {
				continue
			}
			xs = append(xs, o)
			ys = append(ys, p)
		}

		if !hasSpread(xs) {
			return nil, &DegenerateError{Class: c, Slope: math.NaN(), Intercept: math.NaN(),
				Reason: fmt.Sprintf("need at least two distinct observed values, have %d pairs", len(xs))}
		}

		a, b := stat.LinearRegression(xs, ys, nil, false)
		if math.IsNaN(b) || math.Abs(b) < MinSlope {
			return nil, &DegenerateError{Class: c, Intercept: a, Slope: b,
				Reason: fmt.Sprintf("slope below %g", MinSlope)}
		}
		cal[c] = Coefficients{Intercept: a, Slope: b, N: len(xs)}
	}
	return &cal, nil
}

// Apply returns corrected, clipped copies of the predictions.
func (cal *Calibration) Apply(predicted []models.Proportions) []models.Proportions {
	out := make([]models.Proportions, len(predicted))
	for i, p := range predicted {
		for _, c := range models.Classes {
			out[i][c] = cal[c].Correct(p[c])
		}
	}
	return out
}

func hasSpread(xs []float64) bool {
	for _, x := range xs[min(1, len(xs)):] {
		if x != xs[0] {
			return true
		}
	}
	return false
}
