package chart

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/lox/speciesmix/internal/models"
)

var (
	fontTitle   font.Face
	fontHeading font.Face
	fontBody    font.Face
	fontOnce    sync.Once
	fontErr     error
)

func loadFonts() {
	fontOnce.Do(func() {
		regular, err := opentype.Parse(goregular.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Regular: %w", err)
			return
		}
		bold, err := opentype.Parse(gobold.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Bold: %w", err)
			return
		}

		faces := []struct {
			dst  *font.Face
			src  *opentype.Font
			size float64
		}{
			{&fontTitle, bold, 30},
			{&fontHeading, bold, 20},
			{&fontBody, regular, 20},
		}
		for _, f := range faces {
			face, err := opentype.NewFace(f.src, &opentype.FaceOptions{
				Size:    f.size,
				DPI:     72,
				Hinting: font.HintingFull,
			})
			if err != nil {
				fontErr = fmt.Errorf("create face: %w", err)
				return
			}
			*f.dst = face
		}
	})
}

// CardData is what the metrics card shows.
type CardData struct {
	Title      string
	Algorithm  string
	Calibrated bool
	Plots      int
	Stands     int
	Plot       models.Metrics
	Stand      *models.Metrics // optional
}

const (
	CardWidth  = 960
	cardRow    = 34
	cardMargin = 40
)

// RenderCard draws the summary metrics table as a PNG.
func RenderCard(w io.Writer, data CardData) error {
	loadFonts()
	if fontErr != nil {
		return fmt.Errorf("load fonts: %w", fontErr)
	}

	rows := models.NumClasses
	if data.Stand != nil {
		rows += models.NumClasses + 1
	}
	height := cardMargin*2 + 110 + cardRow*(rows+1)
	img := image.NewRGBA(image.Rect(0, 0, CardWidth, height))

	for y := 0; y < height; y++ {
		progress := float64(y) / float64(height)
		c := color.RGBA{uint8(18 + progress*10), uint8(34 + progress*14), uint8(28 + progress*10), 255}
		for x := 0; x < CardWidth; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	white := color.RGBA{255, 255, 255, 255}
	muted := color.RGBA{190, 200, 195, 255}

	title := data.Title
	if title == "" {
		title = "Species proportion accuracy"
	}
	drawText(img, title, cardMargin, cardMargin+26, white, fontTitle)

	sub := fmt.Sprintf("%s model, %d plots, %d stands", data.Algorithm, data.Plots, data.Stands)
	if data.Calibrated {
		sub += ", calibrated"
	}
	drawText(img, sub, cardMargin, cardMargin+62, muted, fontBody)

	cols := []int{cardMargin, cardMargin + 200, cardMargin + 360, cardMargin + 520, cardMargin + 700}
	y := cardMargin + 110
	for i, h := range []string{"Class", "Mean diff", "RMSE", "Rel. RMSE", "N"} {
		drawText(img, h, cols[i], y, muted, fontHeading)
	}

	drawBlock := func(level string, m models.Metrics) {
		for _, c := range models.Classes {
			y += cardRow
			cm := m[c]
			label := c.Title()
			if level != "" {
				label += " (" + level + ")"
			}
			cells := []string{label, formatValue(cm.MeanDiff, "%+.3f"), formatValue(cm.RMSE, "%.3f"),
				formatPercent(cm.RelativeRMSE), fmt.Sprintf("%d", cm.N)}
			for i, cell := range cells {
				drawText(img, cell, cols[i], y, white, fontBody)
			}
		}
	}

	drawBlock("", data.Plot)
	if data.Stand != nil {
		y += cardRow
		drawText(img, "Stand level", cardMargin, y, muted, fontHeading)
		drawBlock("stand", *data.Stand)
	}

	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode card: %w", err)
	}
	return nil
}

// SaveCard renders the card to a file.
func SaveCard(path string, data CardData) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create card: %w", err)
	}
	if err := RenderCard(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatValue(v float64, format string) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf(format, v)
}

func formatPercent(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}

// drawText draws text with its baseline at (x, y).
func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
