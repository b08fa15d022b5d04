package ingest

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/models"
	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/tabular"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Version:  "test",
		PlotID:   "plot_id",
		StandID:  "stand_id",
		Targets:  schema.Targets{Spruce: "rV_s", Pine: "rV_p", Deciduous: "rV_d"},
		Features: []string{"H90_f", "B4_summer"},
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plots.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `plot_id,stand_id,rV_s,rV_p,rV_d,B4_summer,extra,H90_f
p1,A,0.5,0.3,0.2,0.04,x,18.5
p2,A,0.3,0.4,0.3,0.05,y,21.0
p3,B,0.8,0.1,0.1,0.03,z,15.2
`)
	l := NewLoader(testSchema(), zap.NewNop())
	tbl, err := l.Load(context.Background(), path, Options{Role: "training", RequireTargets: true})
	require.NoError(t, err)

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []string{"H90_f", "B4_summer"}, tbl.Features)
	assert.Equal(t, "p3", tbl.Plots[2].PlotID)
	assert.Equal(t, "B", tbl.Plots[2].StandID)
	assert.Equal(t, models.Proportions{0.8, 0.1, 0.1}, tbl.Plots[2].Observed)
	assert.Equal(t, []float64{15.2, 0.03}, tbl.Plots[2].Features)
}

func TestLoadPartialFeatures(t *testing.T) {
	path := writeFile(t, "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,0.3,0.2,18\n")
	tbl, err := NewLoader(testSchema(), zap.NewNop()).Load(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"H90_f"}, tbl.Features)
}

func TestLoadMissingTargetsInValidation(t *testing.T) {
	path := writeFile(t, "plot_id;stand_id;rV_s;rV_p;rV_d;H90_f;B4_summer\np1;A;NA;0.3;0.2;18;0.1\n")
	l := NewLoader(testSchema(), zap.NewNop())

	tbl, err := l.Load(context.Background(), path, Options{Role: "validation", Delimiter: ';'})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(tbl.Plots[0].Observed[models.Spruce]))

	_, err = l.Load(context.Background(), path, Options{Role: "training", Delimiter: ';', RequireTargets: true})
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "rV_s", le.Column)
	assert.Equal(t, 2, le.Line)
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		column  string
		line    int
		is      error
	}{
		{
			name:    "missing stand column",
			content: "plot_id,rV_s,rV_p,rV_d,H90_f\np1,0.5,0.3,0.2,18\n",
			column:  "stand_id",
			is:      ErrMissingColumn,
		},
		{
			name:    "unparseable feature",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,0.3,0.2,tall\n",
			column:  "H90_f",
			line:    2,
		},
		{
			name:    "infinite feature",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,0.3,0.2,Inf\n",
			column:  "H90_f",
			line:    2,
			is:      tabular.ErrNonFinite,
		},
		{
			name:    "infinite target",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,+Infinity,0.2,18\n",
			column:  "rV_p",
			line:    2,
			is:      tabular.ErrNonFinite,
		},
		{
			name:    "line after blank lines and quoted newline",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\n\n\"p\n1\",A,0.5,0.3,0.2,1\n\np2,A,0.5,0.3,0.2,huge\n",
			column:  "H90_f",
			line:    6,
		},
		{
			name:    "missing feature value",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,0.3,0.2,NA\n",
			column:  "H90_f",
			line:    2,
			is:      ErrMissingValue,
		},
		{
			name:    "duplicate plot",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5,0.3,0.2,1\np1,A,0.5,0.3,0.2,2\n",
			column:  "plot_id",
			line:    3,
			is:      ErrDuplicatePlot,
		},
		{
			name:    "no rows",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\n",
			is:      ErrNoPlots,
		},
		{
			name:    "ragged row",
			content: "plot_id,stand_id,rV_s,rV_p,rV_d,H90_f\np1,A,0.5\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.content)
			_, err := NewLoader(testSchema(), zap.NewNop()).Load(context.Background(), path, Options{Role: "training", RequireTargets: true})
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, path, le.Source)
			assert.Equal(t, tt.column, le.Column)
			assert.Equal(t, tt.line, le.Line)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.csv")
	_, err := NewLoader(testSchema(), zap.NewNop()).Load(context.Background(), missing, Options{})
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), missing)
}

func TestValidatePlot(t *testing.T) {
	tests := []struct {
		name     string
		observed models.Proportions
		want     []string
	}{
		{"clean", models.Proportions{0.5, 0.3, 0.2}, nil},
		{"slightly off sum", models.Proportions{0.5, 0.3, 0.21}, nil},
		{"out of range", models.Proportions{1.2, -0.1, -0.1}, []string{FlagProportionOutOfRange}},
		{"sum off", models.Proportions{0.5, 0.5, 0.5}, []string{FlagProportionSumOff}},
		{"missing", models.Proportions{math.NaN(), 0.5, 0.5}, []string{FlagTargetMissing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Plot{Observed: tt.observed}
			assert.Equal(t, tt.want, ValidatePlot(&p))
		})
	}
}

func TestClassifyFTPError(t *testing.T) {
	perm := classifyFTPError(&textproto.Error{Code: 550, Msg: "no such file"})
	var pe *backoff.PermanentError
	assert.True(t, errors.As(perm, &pe))

	transient := classifyFTPError(&textproto.Error{Code: 421, Msg: "too many users"})
	assert.False(t, errors.As(transient, &pe))
}

func TestIsFTP(t *testing.T) {
	assert.True(t, isFTP("ftp://example.org/plots.csv"))
	assert.True(t, isFTP("FTP://example.org/plots.csv"))
	assert.False(t, isFTP("/data/plots.csv"))
}

func TestFTPClientRejectsScheme(t *testing.T) {
	_, err := NewFTPClient(zap.NewNop()).Fetch(context.Background(), "http://example.org/x.csv")
	assert.Error(t, err)
}

func TestLoadHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plots.csv":
			if calls.Add(1) == 1 {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("plot_id,stand_id,rV_s,rV_p,rV_d,H90_f,B4_summer\np1,A,0.5,0.3,0.2,18,0.1\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLoader(testSchema(), zap.NewNop())
	tbl, err := l.Load(context.Background(), srv.URL+"/plots.csv", Options{Role: "training"})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, int32(2), calls.Load())

	_, err = l.Load(context.Background(), srv.URL+"/missing.csv", Options{Role: "training"})
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, err.Error(), "status 404")
}

func TestIsHTTP(t *testing.T) {
	assert.True(t, isHTTP("https://example.org/plots.csv"))
	assert.True(t, isHTTP("HTTP://example.org/plots.csv"))
	assert.False(t, isHTTP("ftp://example.org/plots.csv"))
}
