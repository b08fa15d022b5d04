// Package compose keeps predicted shares on the simplex: clipped to [0,1]
// and rescaled to sum to one.
package compose

import (
	"fmt"
	"math"

	"github.com/lox/speciesmix/internal/models"
)

// ZeroPolicy decides what happens to a row whose shares sum to zero.
type ZeroPolicy int

const (
	// ZeroKeep passes the row through unchanged.
	ZeroKeep ZeroPolicy = iota
	// ZeroUniform replaces the row with equal shares.
	ZeroUniform
)

func (p ZeroPolicy) String() string {
	if p == ZeroUniform {
		return "uniform"
	}
	return "keep"
}

// ParseZeroPolicy accepts "keep" (or empty) and "uniform".
func ParseZeroPolicy(s string) (ZeroPolicy, error) {
	switch s {
	case "", "keep":
		return ZeroKeep, nil
	case "uniform":
		return ZeroUniform, nil
	}
	return ZeroKeep, fmt.Errorf("unknown zero-row policy %q (want keep or uniform)", s)
}

// Clip clamps v to [0,1]. NaN is returned unchanged.
func Clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClipRow clamps every share of a row.
func ClipRow(p models.Proportions) models.Proportions {
	for k := range p {
		p[k] = Clip(p[k])
	}
	return p
}

// NormalizeRow clips and rescales a row to sum to one. Rows with a missing
// share are returned as is; zero-sum rows follow the policy.
func NormalizeRow(p models.Proportions, policy ZeroPolicy) models.Proportions {
	if p.HasMissing() {
		return p
	}
	p = ClipRow(p)
	sum := p.Sum()
	if sum > 0 {
		for k := range p {
			p[k] /= sum
		}
		return p
	}
	if policy == ZeroUniform {
		for k := range p {
			p[k] = 1 / float64(models.NumClasses)
		}
	}
	return p
}

// Normalize returns a normalized copy of rows.
func Normalize(rows []models.Proportions, policy ZeroPolicy) []models.Proportions {
	out := make([]models.Proportions, len(rows))
	for i, r := range rows {
		out[i] = NormalizeRow(r, policy)
	}
	return out
}

// Degenerate counts rows that were zero after clipping.
func Degenerate(rows []models.Proportions) int {
	n := 0
	for _, r := range rows {
		if !r.HasMissing() && ClipRow(r).Sum() == 0 {
			n++
		}
	}
	return n
}

// OnSimplex reports whether a row is within [0,1] and sums to one within tol.
func OnSimplex(p models.Proportions, tol float64) bool {
	for _, v := range p {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return math.Abs(p.Sum()-1) <= tol
}
