package models

import (
	"math"
	"time"
)

// Class is one of the three species classes whose volume shares are predicted.
type Class int

const (
	Spruce Class = iota
	Pine
	Deciduous
)

// NumClasses is the width of every proportion vector.
const NumClasses = 3

// Classes lists the species classes in column order.
var Classes = [NumClasses]Class{Spruce, Pine, Deciduous}

func (c Class) String() string {
	switch c {
	case Spruce:
		return "spruce"
	case Pine:
		return "pine"
	case Deciduous:
		return "deciduous"
	}
	return "unknown"
}

// Code is the single-letter suffix used in column names (rV_s, rV_p, rV_d).
func (c Class) Code() string {
	switch c {
	case Spruce:
		return "s"
	case Pine:
		return "p"
	case Deciduous:
		return "d"
	}
	return "?"
}

// Title is the display name used on charts and reports.
func (c Class) Title() string {
	switch c {
	case Spruce:
		return "Spruce"
	case Pine:
		return "Pine"
	case Deciduous:
		return "Deciduous"
	}
	return "Unknown"
}

// Proportions holds one value per class, indexed by Class. NaN marks a missing value.
type Proportions [NumClasses]float64

// Sum adds the three shares. NaN propagates.
func (p Proportions) Sum() float64 {
	return p[Spruce] + p[Pine] + p[Deciduous]
}

// HasMissing reports whether any share is NaN.
func (p Proportions) HasMissing() bool {
	for _, v := range p {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Plot is a field-surveyed ground unit.
type Plot struct {
	PlotID   string
	StandID  string
	Observed Proportions
	Features []float64 // aligned with PlotTable.Features
}

// PlotTable is a rectangular set of plots sharing one feature column list.
type PlotTable struct {
	Source   string
	Features []string
	Plots    []Plot
}

// Len returns the number of plots.
func (t *PlotTable) Len() int {
	return len(t.Plots)
}

// Matrix returns the feature rows in plot order. Rows alias the plot slices.
func (t *PlotTable) Matrix() [][]float64 {
	x := make([][]float64, len(t.Plots))
	for i := range t.Plots {
		x[i] = t.Plots[i].Features
	}
	return x
}

// Targets returns the observed proportions in plot order.
func (t *PlotTable) Targets() []Proportions {
	y := make([]Proportions, len(t.Plots))
	for i := range t.Plots {
		y[i] = t.Plots[i].Observed
	}
	return y
}

// FeatureIndex returns the column position of a feature or -1.
func (t *PlotTable) FeatureIndex(name string) int {
	for i, f := range t.Features {
		if f == name {
			return i
		}
	}
	return -1
}

// Record pairs a plot's observed and predicted shares.
type Record struct {
	PlotID    string
	StandID   string
	Observed  Proportions
	Predicted Proportions
}

// StandAggregate is the mean of a stand's member plots.
type StandAggregate struct {
	StandID   string
	Plots     int
	Observed  Proportions
	Predicted Proportions
}

// ClassMetrics holds the accuracy figures for one class.
type ClassMetrics struct {
	N            int
	MeanDiff     float64
	RMSE         float64
	RelativeRMSE float64 // NaN when undefined and allowed
}

// Metrics is one row of nine scalars, three per class.
type Metrics [NumClasses]ClassMetrics

// Run describes one pipeline execution as recorded in history.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Algorithm   string
	Seed        uint64
	Calibrated  bool
	TrainSource string
	ValidSource string
	TrainPlots  int
	ValidPlots  int
	Status      string // "ok" or "failed"
	Error       string
}

// RoundTo rounds v to the given number of decimals. NaN stays NaN.
func RoundTo(v float64, precision int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}

// Rounded returns a display copy with every share rounded.
func (p Proportions) Rounded(precision int) Proportions {
	for k := range p {
		p[k] = RoundTo(p[k], precision)
	}
	return p
}

// Rounded returns a display copy of the aggregate. It must not be fed back
// into further computation.
func (s StandAggregate) Rounded(precision int) StandAggregate {
	s.Observed = s.Observed.Rounded(precision)
	s.Predicted = s.Predicted.Rounded(precision)
	return s
}
