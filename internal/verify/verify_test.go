package verify

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/speciesmix/internal/models"
)

func rec(obs, pred models.Proportions) models.Record {
	return models.Record{Observed: obs, Predicted: pred}
}

func TestEvaluate(t *testing.T) {
	records := []models.Record{
		rec(models.Proportions{0.5, 0.3, 0.2}, models.Proportions{0.6, 0.3, 0.1}),
		rec(models.Proportions{0.3, 0.4, 0.3}, models.Proportions{0.2, 0.4, 0.4}),
		rec(models.Proportions{0.7, 0.2, 0.1}, models.Proportions{0.9, 0.0, 0.1}),
	}
	m, err := Evaluate(records, Options{})
	require.NoError(t, err)

	s := m[models.Spruce]
	assert.Equal(t, 3, s.N)
	assert.InDelta(t, (0.1-0.1+0.2)/3, s.MeanDiff, 1e-12)
	wantRMSE := math.Sqrt((0.01 + 0.01 + 0.04) / 3)
	assert.InDelta(t, wantRMSE, s.RMSE, 1e-12)
	assert.InDelta(t, wantRMSE/0.5, s.RelativeRMSE, 1e-12)

	p := m[models.Pine]
	assert.InDelta(t, -0.2/3, p.MeanDiff, 1e-12)
}

func TestEvaluatePerfect(t *testing.T) {
	records := []models.Record{
		rec(models.Proportions{0.5, 0.3, 0.2}, models.Proportions{0.5, 0.3, 0.2}),
		rec(models.Proportions{0.1, 0.1, 0.8}, models.Proportions{0.1, 0.1, 0.8}),
	}
	m, err := Evaluate(records, Options{})
	require.NoError(t, err)
	for _, c := range models.Classes {
		assert.Equal(t, 0.0, m[c].RMSE)
		assert.Equal(t, 0.0, m[c].MeanDiff)
	}

	records[1].Predicted[models.Pine] = 0.15
	m, err = Evaluate(records, Options{})
	require.NoError(t, err)
	assert.Greater(t, m[models.Pine].RMSE, 0.0)
	assert.Equal(t, 0.0, m[models.Spruce].RMSE)
}

func TestEvaluateSkipsMissing(t *testing.T) {
	records := []models.Record{
		rec(models.Proportions{math.NaN(), 0.3, 0.2}, models.Proportions{0.9, 0.3, 0.2}),
		rec(models.Proportions{0.4, 0.3, 0.2}, models.Proportions{0.5, 0.3, 0.2}),
	}
	m, err := Evaluate(records, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, m[models.Spruce].N)
	assert.InDelta(t, 0.1, m[models.Spruce].RMSE, 1e-12)
	assert.Equal(t, 2, m[models.Pine].N)
}

func TestEvaluateZeroObservedMean(t *testing.T) {
	records := []models.Record{
		rec(models.Proportions{0.5, 0.5, 0}, models.Proportions{0.5, 0.4, 0.1}),
		rec(models.Proportions{0.6, 0.4, 0}, models.Proportions{0.6, 0.4, 0}),
	}

	_, err := Evaluate(records, Options{Level: "stand"})
	var ue *UndefinedMetricError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, models.Deciduous, ue.Class)
	assert.Contains(t, err.Error(), "stand")

	m, err := Evaluate(records, Options{AllowUndefined: true})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(m[models.Deciduous].RelativeRMSE))
	assert.False(t, math.IsInf(m[models.Deciduous].RelativeRMSE, 0))
	assert.InDelta(t, math.Sqrt(0.01/2), m[models.Deciduous].RMSE, 1e-12)
}

func TestEvaluateNoPairs(t *testing.T) {
	nan := math.NaN()
	records := []models.Record{rec(models.Proportions{nan, nan, nan}, models.Proportions{0.3, 0.3, 0.4})}

	_, err := Evaluate(records, Options{})
	var ue *UndefinedMetricError
	assert.True(t, errors.As(err, &ue))

	m, err := Evaluate(records, Options{AllowUndefined: true})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(m[models.Spruce].RMSE))
}
