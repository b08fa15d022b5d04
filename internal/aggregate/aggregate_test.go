package aggregate

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/speciesmix/internal/models"
)

func TestByStandScenario(t *testing.T) {
	records := []models.Record{
		{PlotID: "p1", StandID: "A", Observed: models.Proportions{0.4, 0.3, 0.3}, Predicted: models.Proportions{0.5, 0.3, 0.2}},
		{PlotID: "p2", StandID: "A", Observed: models.Proportions{0.6, 0.2, 0.2}, Predicted: models.Proportions{0.5, 0.2, 0.3}},
	}
	stands := ByStand(records)
	require.Len(t, stands, 1)

	a := stands[0].Rounded(2)
	assert.Equal(t, "A", a.StandID)
	assert.Equal(t, 2, a.Plots)
	assert.Equal(t, 0.50, a.Observed[models.Spruce])
	assert.Equal(t, 0.50, a.Predicted[models.Spruce])
	assert.Equal(t, 0.25, a.Observed[models.Pine])
}

func TestByStandIgnoresMissing(t *testing.T) {
	nan := math.NaN()
	records := []models.Record{
		{PlotID: "p1", StandID: "B", Observed: models.Proportions{nan, 0.2, 0.8}, Predicted: models.Proportions{0.1, 0.2, 0.7}},
		{PlotID: "p2", StandID: "B", Observed: models.Proportions{0.4, 0.4, 0.2}, Predicted: models.Proportions{0.3, 0.3, 0.4}},
		{PlotID: "p3", StandID: "C", Observed: models.Proportions{nan, nan, nan}, Predicted: models.Proportions{0.3, 0.3, 0.4}},
	}
	stands := ByStand(records)
	require.Len(t, stands, 2)

	assert.Equal(t, "B", stands[0].StandID)
	assert.InDelta(t, 0.4, stands[0].Observed[models.Spruce], 1e-12)
	assert.InDelta(t, 0.3, stands[0].Observed[models.Pine], 1e-12)
	assert.InDelta(t, 0.2, stands[0].Predicted[models.Spruce], 1e-12)

	assert.Equal(t, "C", stands[1].StandID)
	assert.True(t, math.IsNaN(stands[1].Observed[models.Spruce]))
	assert.InDelta(t, 0.3, stands[1].Predicted[models.Spruce], 1e-12)
}

func TestByStandOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	stands := []string{"S1", "S2", "S3", "S4"}
	records := make([]models.Record, 40)
	for i := range records {
		records[i] = models.Record{
			PlotID:  string(rune('a' + i)),
			StandID: stands[rng.IntN(len(stands))],
		}
		for k := range models.NumClasses {
			records[i].Observed[k] = rng.Float64()
			records[i].Predicted[k] = rng.Float64()
		}
	}

	want := ByStand(records)
	for range 5 {
		shuffled := append([]models.Record(nil), records...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := ByStand(shuffled)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].StandID, got[i].StandID)
			assert.Equal(t, want[i].Plots, got[i].Plots)
			for k := range models.NumClasses {
				assert.InDelta(t, want[i].Observed[k], got[i].Observed[k], 1e-12)
				assert.InDelta(t, want[i].Predicted[k], got[i].Predicted[k], 1e-12)
			}
		}
	}
}

func TestRoundedDoesNotMutate(t *testing.T) {
	stands := []models.StandAggregate{{StandID: "A", Observed: models.Proportions{0.12345, 0.5, 0.37655}}}
	r := Rounded(stands, 2)
	assert.Equal(t, 0.12, r[0].Observed[models.Spruce])
	assert.Equal(t, 0.12345, stands[0].Observed[models.Spruce])
}

func TestRecords(t *testing.T) {
	tbl := &models.PlotTable{Plots: []models.Plot{
		{PlotID: "p1", StandID: "A", Observed: models.Proportions{1, 0, 0}},
		{PlotID: "p2", StandID: "B", Observed: models.Proportions{0, 1, 0}},
	}}
	recs, err := Records(tbl, []models.Proportions{{0.9, 0.1, 0}, {0.2, 0.8, 0}})
	require.NoError(t, err)
	assert.Equal(t, "p2", recs[1].PlotID)
	assert.Equal(t, models.Proportions{0.2, 0.8, 0}, recs[1].Predicted)

	_, err = Records(tbl, nil)
	assert.Error(t, err)

	asRecs := AsRecords(ByStand(recs))
	assert.Len(t, asRecs, 2)
	assert.Equal(t, "A", asRecs[0].StandID)
}
