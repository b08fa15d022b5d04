// Package model fits and applies the multi-output proportion regressors.
//
// Every algorithm implements Regressor; the trained Model is an immutable
// value owned by the caller. Besides predicting new rows, a Model reports
// out-of-sample predictions for its own training rows, which calibration
// uses to avoid fitting against optimistic in-sample estimates.
package model

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/models"
)

const (
	AlgorithmForest        = "forest"
	AlgorithmCompositional = "compositional"
)

// Algorithms lists the accepted algorithm names.
var Algorithms = []string{AlgorithmForest, AlgorithmCompositional}

var (
	ErrNoRows        = errors.New("no training rows")
	ErrNoFeatures    = errors.New("no feature columns")
	ErrWidthMismatch = errors.New("feature width mismatch")
	ErrNonFinite     = errors.New("non-finite value")
)

// Regressor trains a Model from feature rows and observed proportions.
type Regressor interface {
	Fit(x [][]float64, y []models.Proportions) (Model, error)
}

// Model maps feature rows to predicted proportions.
type Model interface {
	Name() string
	// Predict returns one vector per row, in input order.
	Predict(x [][]float64) ([]models.Proportions, error)
	// OutOfSample returns predictions for the training rows made without
	// each row influencing its own estimate, in training order.
	OutOfSample() []models.Proportions
}

// Config carries the tuning knobs of both algorithms.
type Config struct {
	Seed uint64

	// forest
	Trees   int
	MTry    int // 0 picks max(1, p/3)
	MinLeaf int

	// compositional
	Folds  int
	Lambda float64
}

// DefaultConfig returns the settings used when the CLI leaves them unset.
func DefaultConfig() Config {
	return Config{
		Seed:    42,
		Trees:   500,
		MinLeaf: 5,
		Folds:   5,
		Lambda:  1e-3,
	}
}

// New returns the regressor for an algorithm name.
func New(algorithm string, cfg Config, logger *zap.Logger) (Regressor, error) {
	switch algorithm {
	case AlgorithmForest, "":
		return NewForest(cfg, logger), nil
	case AlgorithmCompositional:
		return NewCompositional(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown algorithm %q (want one of %v)", algorithm, Algorithms)
}

func checkTraining(x [][]float64, y []models.Proportions) (int, error) {
	if len(x) == 0 {
		return 0, ErrNoRows
	}
	if len(x) != len(y) {
		return 0, fmt.Errorf("%d feature rows but %d target rows", len(x), len(y))
	}
	width := len(x[0])
	if width == 0 {
		return 0, ErrNoFeatures
	}
	if err := checkRows(x, width); err != nil {
		return 0, err
	}
	for i, row := range y {
		for k, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("row %d target %s: %w", i, models.Classes[k], ErrNonFinite)
			}
		}
	}
	return width, nil
}

func checkRows(x [][]float64, width int) error {
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), width, ErrWidthMismatch)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d feature %d: %w", i, j, ErrNonFinite)
			}
		}
	}
	return nil
}
