// Package chart renders the accuracy artifacts of a run.
package chart

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/lox/speciesmix/internal/models"
)

// ScatterOptions sizes the faceted observed-vs-predicted chart.
type ScatterOptions struct {
	PanelWidth  vg.Length
	PanelHeight vg.Length
	XLabel      string
	YLabel      string
}

func DefaultScatterOptions() ScatterOptions {
	return ScatterOptions{
		PanelWidth:  vg.Points(300),
		PanelHeight: vg.Points(320),
		XLabel:      "Observed share",
		YLabel:      "Predicted share",
	}
}

var classColors = [models.NumClasses]color.RGBA{
	models.Spruce:    {R: 31, G: 120, B: 80, A: 255},
	models.Pine:      {R: 196, G: 120, B: 30, A: 255},
	models.Deciduous: {R: 60, G: 110, B: 190, A: 255},
}

// Trend fits predicted = a + b*observed over the stands with both values.
func Trend(stands []models.StandAggregate, c models.Class) (a, b float64, ok bool) {
	xs, ys := pairs(stands, c)
	if len(xs) < 2 {
		return 0, 0, false
	}
	distinct := false
	for _, x := range xs[1:] {
		if x != xs[0] {
			distinct = true
			break
		}
	}
	if !distinct {
		return 0, 0, false
	}
	a, b = stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(a) || math.IsNaN(b) {
		return 0, 0, false
	}
	return a, b, true
}

func pairs(stands []models.StandAggregate, c models.Class) (xs, ys []float64) {
	for _, s := range stands {
		o, p := s.Observed[c], s.Predicted[c]
		if math.IsNaN(o) || math.IsNaN(p) {
			continue
		}
		xs = append(xs, o)
		ys = append(ys, p)
	}
	return xs, ys
}

func panel(stands []models.StandAggregate, c models.Class, opts ScatterOptions) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = c.Title()
	p.X.Label.Text = opts.XLabel
	p.Y.Label.Text = opts.YLabel
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())

	identity := plotter.NewFunction(func(x float64) float64 { return x })
	identity.Color = color.Gray{Y: 120}
	identity.Width = vg.Points(1)
	identity.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(identity)
	p.Legend.Add("1:1", identity)

	xs, ys := pairs(stands, c)
	if len(xs) > 0 {
		xys := make(plotter.XYs, len(xs))
		for i := range xs {
			xys[i].X, xys[i].Y = xs[i], ys[i]
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("scatter %s: %w", c, err)
		}
		s.GlyphStyle.Color = classColors[c]
		s.GlyphStyle.Radius = vg.Points(2.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
	}

	if a, b, ok := Trend(stands, c); ok {
		trend := plotter.NewFunction(func(x float64) float64 { return a + b*x })
		trend.Color = classColors[c]
		trend.Width = vg.Points(1.5)
		p.Add(trend)
		p.Legend.Add(fmt.Sprintf("y = %.2f + %.2fx", a, b), trend)
	}
	return p, nil
}

// RenderScatter draws one panel per class, stand-level observed against
// predicted, with the 1:1 line and a least-squares trend, as PNG.
func RenderScatter(w io.Writer, stands []models.StandAggregate, opts ScatterOptions) error {
	row := make([]*plot.Plot, 0, models.NumClasses)
	for _, c := range models.Classes {
		p, err := panel(stands, c, opts)
		if err != nil {
			return err
		}
		row = append(row, p)
	}

	img := vgimg.New(opts.PanelWidth*vg.Length(len(row)), opts.PanelHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      1,
		Cols:      len(row),
		PadX:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align([][]*plot.Plot{row}, tiles, dc)
	for j, p := range row {
		p.Draw(canvases[0][j])
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("encode chart: %w", err)
	}
	return nil
}

// SaveScatter renders the chart to a file.
func SaveScatter(path string, stands []models.StandAggregate, opts ScatterOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart: %w", err)
	}
	if err := RenderScatter(f, stands, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
