package model

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/metrics"
	"github.com/lox/speciesmix/internal/models"
)

// Forest is a multi-output random forest: bootstrap-sampled regression trees
// whose splits minimise squared error summed over all three classes.
type Forest struct {
	cfg    Config
	logger *zap.Logger
}

func NewForest(cfg Config, logger *zap.Logger) *Forest {
	def := DefaultConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.MinLeaf <= 0 {
		cfg.MinLeaf = def.MinLeaf
	}
	return &Forest{cfg: cfg, logger: logger.Named("forest")}
}

type node struct {
	feature   int
	threshold float64
	left      int
	right     int
	leaf      bool
	value     models.Proportions
}

type tree struct {
	nodes []node
}

func (t *tree) predict(row []float64) models.Proportions {
	n := &t.nodes[0]
	for !n.leaf {
		if row[n.feature] <= n.threshold {
			n = &t.nodes[n.left]
		} else {
			n = &t.nodes[n.right]
		}
	}
	return n.value
}

type forestModel struct {
	trees     []tree
	width     int
	oob       []models.Proportions
	fallbacks int
}

func (m *forestModel) Name() string { return AlgorithmForest }

func (m *forestModel) Predict(x [][]float64) ([]models.Proportions, error) {
	if err := checkRows(x, m.width); err != nil {
		return nil, err
	}
	out := make([]models.Proportions, len(x))
	for i, row := range x {
		out[i] = m.predictRow(row)
	}
	return out, nil
}

func (m *forestModel) predictRow(row []float64) models.Proportions {
	var sum models.Proportions
	for t := range m.trees {
		v := m.trees[t].predict(row)
		for k := range sum {
			sum[k] += v[k]
		}
	}
	n := float64(len(m.trees))
	for k := range sum {
		sum[k] /= n
	}
	return sum
}

func (m *forestModel) OutOfSample() []models.Proportions {
	return slices.Clone(m.oob)
}

// Fit grows the forest. The same seed and data always yield the same forest.
func (f *Forest) Fit(x [][]float64, y []models.Proportions) (Model, error) {
	width, err := checkTraining(x, y)
	if err != nil {
		return nil, err
	}
	n := len(x)

	mtry := f.cfg.MTry
	if mtry <= 0 {
		mtry = max(1, width/3)
	}
	mtry = min(mtry, width)

	rng := rand.New(rand.NewPCG(f.cfg.Seed, f.cfg.Seed^0x9e3779b97f4a7c15))
	b := &builder{x: x, y: y, width: width, mtry: mtry, minLeaf: f.cfg.MinLeaf, rng: rng}

	m := &forestModel{trees: make([]tree, f.cfg.Trees), width: width}
	oobSum := make([]models.Proportions, n)
	oobCount := make([]int, n)
	inBag := make([]bool, n)

	for t := range m.trees {
		clear(inBag)
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.IntN(n)
			inBag[sample[i]] = true
		}
		m.trees[t] = b.grow(sample)

		for i := range n {
			if inBag[i] {
				continue
			}
			v := m.trees[t].predict(x[i])
			for k := range v {
				oobSum[i][k] += v[k]
			}
			oobCount[i]++
		}
	}

	m.oob = make([]models.Proportions, n)
	for i := range n {
		if oobCount[i] == 0 {
			m.oob[i] = m.predictRow(x[i])
			m.fallbacks++
			continue
		}
		for k := range oobSum[i] {
			m.oob[i][k] = oobSum[i][k] / float64(oobCount[i])
		}
	}
	if m.fallbacks > 0 {
		metrics.OutOfBagFallbacks.Add(float64(m.fallbacks))
		f.logger.Warn("plots never out-of-bag, using full ensemble", zap.Int("plots", m.fallbacks))
	}

	f.logger.Debug("forest grown",
		zap.Int("trees", len(m.trees)),
		zap.Int("rows", n),
		zap.Int("features", width),
		zap.Int("mtry", mtry),
		zap.Int("min_leaf", f.cfg.MinLeaf))
	return m, nil
}

type builder struct {
	x       [][]float64
	y       []models.Proportions
	width   int
	mtry    int
	minLeaf int
	rng     *rand.Rand

	features []int
}

func (b *builder) grow(sample []int) tree {
	var t tree
	b.split(&t, sample)
	return t
}

// split appends the node for idx (and its subtree) and returns its index.
func (b *builder) split(t *tree, idx []int) int {
	self := len(t.nodes)
	t.nodes = append(t.nodes, node{leaf: true, value: b.mean(idx)})

	if len(idx) < 2*b.minLeaf {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return self
	}

	l := b.split(t, left)
	r := b.split(t, right)
	t.nodes[self] = node{feature: feature, threshold: threshold, left: l, right: r}
	return self
}

func (b *builder) mean(idx []int) models.Proportions {
	var sum models.Proportions
	for _, i := range idx {
		for k := range sum {
			sum[k] += b.y[i][k]
		}
	}
	for k := range sum {
		sum[k] /= float64(len(idx))
	}
	return sum
}

// candidates draws mtry distinct features with a partial Fisher-Yates shuffle.
func (b *builder) candidates() []int {
	if b.features == nil {
		b.features = make([]int, b.width)
		for i := range b.features {
			b.features[i] = i
		}
	}
	for i := range b.mtry {
		j := i + b.rng.IntN(b.width-i)
		b.features[i], b.features[j] = b.features[j], b.features[i]
	}
	return b.features[:b.mtry]
}

// bestSplit finds the threshold with the largest drop in summed squared error.
func (b *builder) bestSplit(idx []int) (feature int, threshold float64, ok bool) {
	n := len(idx)
	var total, totalSq models.Proportions
	for _, i := range idx {
		for k, v := range b.y[i] {
			total[k] += v
			totalSq[k] += v * v
		}
	}
	parent := sse(total, totalSq, n)
	if parent <= 1e-12 {
		return 0, 0, false
	}

	best := parent - 1e-12
	order := make([]int, n)
	for _, f := range b.candidates() {
		copy(order, idx)
		slices.SortFunc(order, func(a, c int) int {
			return cmp.Compare(b.x[a][f], b.x[c][f])
		})

		var ls, lsq models.Proportions
		for pos := 0; pos < n-1; pos++ {
			i := order[pos]
			for k, v := range b.y[i] {
				ls[k] += v
				lsq[k] += v * v
			}
			nl := pos + 1
			if nl < b.minLeaf || n-nl < b.minLeaf {
				continue
			}
			lo, hi := b.x[i][f], b.x[order[pos+1]][f]
			if lo == hi {
				continue
			}
			var rs, rsq models.Proportions
			for k := range rs {
				rs[k] = total[k] - ls[k]
				rsq[k] = totalSq[k] - lsq[k]
			}
			if cost := sse(ls, lsq, nl) + sse(rs, rsq, n-nl); cost < best {
				best = cost
				feature = f
				threshold = lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

func sse(sum, sumSq models.Proportions, n int) float64 {
	var s float64
	for k := range sum {
		s += sumSq[k] - sum[k]*sum[k]/float64(n)
	}
	return s
}
