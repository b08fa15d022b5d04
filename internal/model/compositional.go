package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/speciesmix/internal/models"
)

// reference is the class whose linear predictor is pinned at zero.
const reference = models.Deciduous

// Compositional is a fractional multinomial-logit regression. All three
// shares are fitted jointly as softmax(Xβ), so predictions always sum to 1.
// Coefficients maximise Σ y·log p with a ridge penalty on the slopes.
type Compositional struct {
	cfg    Config
	logger *zap.Logger
}

func NewCompositional(cfg Config, logger *zap.Logger) *Compositional {
	def := DefaultConfig()
	if cfg.Folds <= 0 {
		cfg.Folds = def.Folds
	}
	if cfg.Lambda < 0 {
		cfg.Lambda = def.Lambda
	}
	return &Compositional{cfg: cfg, logger: logger.Named("compositional")}
}

type compositionalModel struct {
	width int
	mean  []float64
	scale []float64
	coef  [models.NumClasses][]float64 // intercept first; reference row stays zero
	oos   []models.Proportions
}

func (m *compositionalModel) Name() string { return AlgorithmCompositional }

func (m *compositionalModel) Predict(x [][]float64) ([]models.Proportions, error) {
	if err := checkRows(x, m.width); err != nil {
		return nil, err
	}
	out := make([]models.Proportions, len(x))
	z := make([]float64, m.width)
	for i, row := range x {
		for j, v := range row {
			z[j] = (v - m.mean[j]) / m.scale[j]
		}
		out[i] = softmax(m.eta(z))
	}
	return out, nil
}

func (m *compositionalModel) eta(z []float64) []float64 {
	eta := make([]float64, models.NumClasses)
	for _, c := range models.Classes {
		if c == reference {
			continue
		}
		b := m.coef[c]
		eta[c] = b[0] + floats.Dot(b[1:], z)
	}
	return eta
}

func (m *compositionalModel) OutOfSample() []models.Proportions {
	out := make([]models.Proportions, len(m.oos))
	copy(out, m.oos)
	return out
}

func softmax(eta []float64) models.Proportions {
	lse := floats.LogSumExp(eta)
	var p models.Proportions
	for k := range p {
		p[k] = math.Exp(eta[k] - lse)
	}
	return p
}

// Fit estimates the coefficients on all rows, then cross-fits K folds to
// produce out-of-sample training predictions.
func (c *Compositional) Fit(x [][]float64, y []models.Proportions) (Model, error) {
	width, err := checkTraining(x, y)
	if err != nil {
		return nil, err
	}

	m, err := c.fit(x, y, width)
	if err != nil {
		return nil, err
	}
	m.oos, err = c.crossFit(x, y, width)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Compositional) crossFit(x [][]float64, y []models.Proportions, width int) ([]models.Proportions, error) {
	n := len(x)
	folds := min(c.cfg.Folds, n)
	if folds < 2 {
		c.logger.Warn("too few rows to cross-fit, out-of-sample predictions are in-sample", zap.Int("rows", n))
		m, err := c.fit(x, y, width)
		if err != nil {
			return nil, err
		}
		return m.Predict(x)
	}

	rng := rand.New(rand.NewPCG(c.cfg.Seed, c.cfg.Seed^0x5851f42d4c957f2d))
	fold := make([]int, n)
	for pos, i := range rng.Perm(n) {
		fold[i] = pos % folds
	}

	oos := make([]models.Proportions, n)
	for k := range folds {
		var trainX, testX [][]float64
		var trainY []models.Proportions
		var testIdx []int
		for i := range n {
			if fold[i] == k {
				testX = append(testX, x[i])
				testIdx = append(testIdx, i)
			} else {
				trainX = append(trainX, x[i])
				trainY = append(trainY, y[i])
			}
		}
		m, err := c.fit(trainX, trainY, width)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		pred, err := m.Predict(testX)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		for j, i := range testIdx {
			oos[i] = pred[j]
		}
	}
	return oos, nil
}

func (c *Compositional) fit(x [][]float64, y []models.Proportions, width int) (*compositionalModel, error) {
	n := len(x)
	m := &compositionalModel{
		width: width,
		mean:  make([]float64, width),
		scale: make([]float64, width),
	}

	col := make([]float64, n)
	for j := range width {
		for i := range n {
			col[i] = x[i][j]
		}
		m.mean[j] = stat.Mean(col, nil)
		m.scale[j] = 1
		if n > 1 {
			if sd := stat.StdDev(col, nil); sd > 0 && !math.IsNaN(sd) {
				m.scale[j] = sd
			}
		}
	}

	z := make([][]float64, n)
	for i := range n {
		z[i] = make([]float64, width)
		for j := range width {
			z[i][j] = (x[i][j] - m.mean[j]) / m.scale[j]
		}
	}

	// Observed shares are renormalised; rows summing to zero carry no information.
	var w []models.Proportions
	var zz [][]float64
	for i, obs := range y {
		s := obs.Sum()
		if s <= 0 {
			continue
		}
		var r models.Proportions
		for k := range r {
			r[k] = math.Max(obs[k], 0) / s
		}
		w = append(w, r)
		zz = append(zz, z[i])
	}
	if len(w) == 0 {
		return nil, fmt.Errorf("compositional fit: all target rows sum to zero: %w", ErrNoRows)
	}

	stride := width + 1
	free := []models.Class{}
	for _, cl := range models.Classes {
		if cl != reference {
			free = append(free, cl)
		}
	}
	lambda := c.cfg.Lambda
	nf := float64(len(w))

	unpack := func(beta []float64) *compositionalModel {
		for k, cl := range free {
			m.coef[cl] = beta[k*stride : (k+1)*stride]
		}
		m.coef[reference] = make([]float64, stride)
		return m
	}

	problem := optimize.Problem{
		Func: func(beta []float64) float64 {
			mm := unpack(beta)
			var loss float64
			for i := range w {
				eta := mm.eta(zz[i])
				lse := floats.LogSumExp(eta)
				for k, wk := range w[i] {
					if wk > 0 {
						loss -= wk * (eta[k] - lse)
					}
				}
			}
			loss /= nf
			for k := range free {
				b := beta[k*stride+1 : (k+1)*stride]
				loss += 0.5 * lambda * floats.Dot(b, b)
			}
			return loss
		},
		Grad: func(grad, beta []float64) {
			mm := unpack(beta)
			clear(grad)
			for i := range w {
				p := softmax(mm.eta(zz[i]))
				for k, cl := range free {
					r := (p[cl] - w[i][cl]) / nf
					g := grad[k*stride : (k+1)*stride]
					g[0] += r
					floats.AddScaled(g[1:], r, zz[i])
				}
			}
			for k := range free {
				floats.AddScaled(grad[k*stride+1:(k+1)*stride], lambda, beta[k*stride+1:(k+1)*stride])
			}
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-9,
		MajorIterations:   1000,
	}
	res, err := optimize.Minimize(problem, make([]float64, len(free)*stride), settings, &optimize.LBFGS{})
	if err != nil {
		if res == nil || !allFinite(res.X) {
			return nil, fmt.Errorf("compositional fit: %w", err)
		}
		c.logger.Warn("optimizer stopped early, using last iterate", zap.Error(err))
	}
	if !allFinite(res.X) {
		return nil, fmt.Errorf("compositional fit: %w", ErrNonFinite)
	}

	beta := make([]float64, len(res.X))
	copy(beta, res.X)
	return unpack(beta), nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
