package ingest

import (
	"math"

	"github.com/lox/speciesmix/internal/models"
)

const (
	FlagProportionOutOfRange = "proportion_out_of_range"
	FlagProportionSumOff     = "proportion_sum_off"
	FlagTargetMissing        = "target_missing"
)

// sumTolerance is how far observed shares may drift from 1 before a plot is flagged.
const sumTolerance = 0.05

// ValidatePlot returns quality flags for a plot's observed shares. Flags are
// informational; the survey convention that shares sum to 1 is not enforced.
func ValidatePlot(p *models.Plot) []string {
	var flags []string

	if p.Observed.HasMissing() {
		flags = append(flags, FlagTargetMissing)
	}

	for _, v := range p.Observed {
		if !math.IsNaN(v) && (v < 0 || v > 1) {
			flags = append(flags, FlagProportionOutOfRange)
			break
		}
	}

	if !p.Observed.HasMissing() {
		if math.Abs(p.Observed.Sum()-1) > sumTolerance {
			flags = append(flags, FlagProportionSumOff)
		}
	}

	return flags
}
