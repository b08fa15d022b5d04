package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/models"
)

func threePlots() ([][]float64, []models.Proportions) {
	x := [][]float64{{1}, {2}, {3}}
	y := []models.Proportions{
		{0.5, 0.3, 0.2},
		{0.3, 0.4, 0.3},
		{0.8, 0.1, 0.1},
	}
	return x, y
}

// gradient builds rows whose shares move smoothly with the first feature.
func gradient(n int, seed uint64) ([][]float64, []models.Proportions) {
	rng := rand.New(rand.NewPCG(seed, 1))
	x := make([][]float64, n)
	y := make([]models.Proportions, n)
	for i := range n {
		t := float64(i) / float64(n-1)
		x[i] = []float64{t, rng.Float64()}
		y[i] = softmax([]float64{-1 + 3*t, 1 - 2*t, 0})
	}
	return x, y
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", AlgorithmForest, AlgorithmCompositional} {
		r, err := New(name, DefaultConfig(), zap.NewNop())
		require.NoError(t, err, name)
		assert.NotNil(t, r)
	}
	_, err := New("svm", DefaultConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestThreePlotScenario(t *testing.T) {
	for _, algo := range Algorithms {
		t.Run(algo, func(t *testing.T) {
			x, y := threePlots()
			r, err := New(algo, DefaultConfig(), zap.NewNop())
			require.NoError(t, err)

			m, err := r.Fit(x, y)
			require.NoError(t, err)
			assert.Equal(t, algo, m.Name())

			pred, err := m.Predict(x)
			require.NoError(t, err)
			require.Len(t, pred, 3)
			for _, p := range pred {
				assert.InDelta(t, 1, p.Sum(), 1e-3)
				for _, v := range p {
					assert.GreaterOrEqual(t, v, 0.0)
					assert.LessOrEqual(t, v, 1.0)
				}
			}
			assert.Len(t, m.OutOfSample(), 3)
		})
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		x    [][]float64
		y    []models.Proportions
		is   error
	}{
		{"no rows", nil, nil, ErrNoRows},
		{"no features", [][]float64{{}}, []models.Proportions{{1, 0, 0}}, ErrNoFeatures},
		{"ragged", [][]float64{{1, 2}, {1}}, []models.Proportions{{1, 0, 0}, {1, 0, 0}}, ErrWidthMismatch},
		{"nan feature", [][]float64{{math.NaN()}}, []models.Proportions{{1, 0, 0}}, ErrNonFinite},
		{"nan target", [][]float64{{1}}, []models.Proportions{{math.NaN(), 0, 0}}, ErrNonFinite},
		{"length mismatch", [][]float64{{1}, {2}}, []models.Proportions{{1, 0, 0}}, nil},
	}
	for _, algo := range Algorithms {
		for _, tt := range tests {
			t.Run(algo+"/"+tt.name, func(t *testing.T) {
				r, err := New(algo, DefaultConfig(), zap.NewNop())
				require.NoError(t, err)
				_, err = r.Fit(tt.x, tt.y)
				require.Error(t, err)
				if tt.is != nil {
					assert.True(t, errors.Is(err, tt.is), "got %v", err)
				}
			})
		}
	}
}

func TestPredictWidthMismatch(t *testing.T) {
	x, y := threePlots()
	for _, algo := range Algorithms {
		r, _ := New(algo, DefaultConfig(), zap.NewNop())
		m, err := r.Fit(x, y)
		require.NoError(t, err)
		_, err = m.Predict([][]float64{{1, 2}})
		assert.ErrorIs(t, err, ErrWidthMismatch, algo)
	}
}

func TestForestDeterministic(t *testing.T) {
	x, y := gradient(60, 7)
	cfg := DefaultConfig()
	cfg.Trees = 50

	fit := func(seed uint64) []models.Proportions {
		cfg.Seed = seed
		m, err := NewForest(cfg, zap.NewNop()).Fit(x, y)
		require.NoError(t, err)
		pred, err := m.Predict(x)
		require.NoError(t, err)
		return append(pred, m.OutOfSample()...)
	}

	assert.Equal(t, fit(1), fit(1))
	assert.NotEqual(t, fit(1), fit(2))
}

func rmse(pred, obs []models.Proportions) float64 {
	var s float64
	for i := range pred {
		for k := range pred[i] {
			d := pred[i][k] - obs[i][k]
			s += d * d
		}
	}
	return math.Sqrt(s / float64(3*len(pred)))
}

func TestForestLearnsSignal(t *testing.T) {
	x, y := gradient(200, 3)
	cfg := DefaultConfig()
	cfg.Trees = 100
	cfg.MTry = 2
	m, err := NewForest(cfg, zap.NewNop()).Fit(x, y)
	require.NoError(t, err)

	pred, err := m.Predict(x)
	require.NoError(t, err)
	assert.Less(t, rmse(pred, y), 0.05)

	// out-of-bag estimates are honest but still informative
	oob := m.OutOfSample()
	assert.Less(t, rmse(oob, y), 0.1)
	assert.GreaterOrEqual(t, rmse(oob, y), rmse(pred, y))
}

func TestForestSingleLeafWhenTooSmall(t *testing.T) {
	x, y := threePlots()
	cfg := DefaultConfig()
	cfg.Trees = 10
	m, err := NewForest(cfg, zap.NewNop()).Fit(x, y)
	require.NoError(t, err)
	for _, tr := range m.(*forestModel).trees {
		assert.Len(t, tr.nodes, 1)
	}
}

func TestCompositionalRecoversShares(t *testing.T) {
	x, y := gradient(120, 5)
	cfg := DefaultConfig()
	cfg.Lambda = 0
	m, err := NewCompositional(cfg, zap.NewNop()).Fit(x, y)
	require.NoError(t, err)

	pred, err := m.Predict(x)
	require.NoError(t, err)
	for _, p := range pred {
		assert.InDelta(t, 1, p.Sum(), 1e-9)
	}
	assert.Less(t, rmse(pred, y), 0.01)
	assert.Less(t, rmse(m.OutOfSample(), y), 0.03)
}

func TestCompositionalAllZeroTargets(t *testing.T) {
	_, err := NewCompositional(DefaultConfig(), zap.NewNop()).Fit(
		[][]float64{{1}, {2}},
		[]models.Proportions{{0, 0, 0}, {0, 0, 0}},
	)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestCompositionalSingleRow(t *testing.T) {
	m, err := NewCompositional(DefaultConfig(), zap.NewNop()).Fit(
		[][]float64{{1}},
		[]models.Proportions{{0.6, 0.3, 0.1}},
	)
	require.NoError(t, err)
	oos := m.OutOfSample()
	require.Len(t, oos, 1)
	assert.InDelta(t, 0.6, oos[0][models.Spruce], 0.05)
}
