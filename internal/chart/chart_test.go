package chart

import (
	"bytes"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/speciesmix/internal/models"
)

func testStands() []models.StandAggregate {
	return []models.StandAggregate{
		{StandID: "A", Plots: 2, Observed: models.Proportions{0.2, 0.5, 0.3}, Predicted: models.Proportions{0.25, 0.45, 0.3}},
		{StandID: "B", Plots: 3, Observed: models.Proportions{0.6, 0.2, 0.2}, Predicted: models.Proportions{0.55, 0.25, 0.2}},
		{StandID: "C", Plots: 1, Observed: models.Proportions{0.9, 0.05, 0.05}, Predicted: models.Proportions{0.8, 0.1, 0.1}},
		{StandID: "D", Plots: 1, Observed: models.Proportions{math.NaN(), 0.3, 0.3}, Predicted: models.Proportions{0.4, 0.3, 0.3}},
	}
}

func TestTrend(t *testing.T) {
	stands := []models.StandAggregate{
		{Observed: models.Proportions{0.2, 0, 0}, Predicted: models.Proportions{0.3, 0, 0}},
		{Observed: models.Proportions{0.6, 0, 0}, Predicted: models.Proportions{0.5, 0, 0}},
	}
	a, b, ok := Trend(stands, models.Spruce)
	require.True(t, ok)
	assert.InDelta(t, 0.2, a, 1e-12)
	assert.InDelta(t, 0.5, b, 1e-12)

	_, _, ok = Trend(stands, models.Pine)
	assert.False(t, ok, "no spread in observed pine")

	_, _, ok = Trend(stands[:1], models.Spruce)
	assert.False(t, ok)
}

func TestRenderScatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderScatter(&buf, testStands(), DefaultScatterOptions()))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestRenderScatterEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderScatter(&buf, nil, DefaultScatterOptions()))
	assert.NotZero(t, buf.Len())
}

func TestSaveArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveScatter(filepath.Join(dir, "scatter.png"), testStands(), DefaultScatterOptions()))

	stand := models.Metrics{{N: 3, MeanDiff: 0.01, RMSE: 0.05, RelativeRMSE: 0.1}}
	data := CardData{
		Algorithm: "forest",
		Plots:     12,
		Stands:    4,
		Plot: models.Metrics{
			{N: 12, MeanDiff: -0.02, RMSE: 0.12, RelativeRMSE: 0.3},
			{N: 12, MeanDiff: 0.01, RMSE: 0.09, RelativeRMSE: 0.4},
			{N: 12, MeanDiff: 0.01, RMSE: 0.07, RelativeRMSE: math.NaN()},
		},
		Stand: &stand,
	}
	require.NoError(t, SaveCard(filepath.Join(dir, "card.png"), data))
}

func TestRenderCard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderCard(&buf, CardData{Algorithm: "compositional", Calibrated: true}))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, CardWidth, img.Bounds().Dx())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "n/a", formatPercent(math.NaN()))
	assert.Equal(t, "25.0%", formatPercent(0.25))
	assert.Equal(t, "+0.120", formatValue(0.12, "%+.3f"))
	assert.Equal(t, "n/a", formatValue(math.NaN(), "%.3f"))
}
