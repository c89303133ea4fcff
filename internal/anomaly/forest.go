// Package anomaly provides offline outlier analysis over feature vectors:
// an isolation forest and a local outlier factor scorer. Neither feeds the
// request-time fuser; they are batch tools for reviewing stored feature
// histories.
package anomaly

import (
	"errors"
	"math"
	"math/rand"
)

// ErrInsufficientData is returned by Fit when there are too few samples
// to train on.
var ErrInsufficientData = errors.New("anomaly: insufficient training data")

const (
	// MinSamples is the smallest training set Fit accepts.
	MinSamples = 10

	defaultTrees      = 100
	defaultSampleSize = 256
)

// IsolationForest scores how easily a point is isolated by random
// axis-aligned splits. Scores near 1 are anomalies, near 0.5 and below
// are normal points.
type IsolationForest struct {
	trees      []*isoNode
	sampleSize int
	numTrees   int
	rng        *rand.Rand
	fitted     bool
}

type isoNode struct {
	left, right *isoNode
	feature     int
	split       float64
	size        int // leaf: samples that reached this node
}

// ForestOption configures an IsolationForest.
type ForestOption func(*IsolationForest)

func WithTrees(n int) ForestOption {
	return func(f *IsolationForest) { f.numTrees = n }
}

func WithSampleSize(n int) ForestOption {
	return func(f *IsolationForest) { f.sampleSize = n }
}

// WithSeed makes training deterministic.
func WithSeed(seed int64) ForestOption {
	return func(f *IsolationForest) { f.rng = rand.New(rand.NewSource(seed)) }
}

// NewForest creates an untrained isolation forest.
func NewForest(opts ...ForestOption) *IsolationForest {
	f := &IsolationForest{
		numTrees:   defaultTrees,
		sampleSize: defaultSampleSize,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fit trains the forest on a matrix of feature vectors.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) < MinSamples {
		return ErrInsufficientData
	}

	sample := f.sampleSize
	if sample > len(data) {
		sample = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))

	f.trees = make([]*isoNode, f.numTrees)
	for i := range f.trees {
		subset := make([][]float64, sample)
		for j := range subset {
			subset[j] = data[f.rng.Intn(len(data))]
		}
		f.trees[i] = f.buildTree(subset, 0, maxDepth)
	}
	f.fitted = true
	return nil
}

func (f *IsolationForest) buildTree(data [][]float64, depth, maxDepth int) *isoNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(data)}
	}

	feature := f.rng.Intn(len(data[0]))
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		return &isoNode{size: len(data)}
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    f.buildTree(left, depth+1, maxDepth),
		right:   f.buildTree(right, depth+1, maxDepth),
	}
}

// Score returns the anomaly score for one point. The boolean is false
// before Fit has succeeded.
func (f *IsolationForest) Score(x []float64) (float64, bool) {
	if !f.fitted {
		return 0, false
	}

	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize)), true
}

func pathLength(n *isoNode, x []float64, depth int) float64 {
	if n.left == nil {
		// Unresolved leaf: estimate the remaining depth from leaf size.
		if n.size > 1 {
			return float64(depth) + avgPathLength(n.size)
		}
		return float64(depth)
	}
	if x[n.feature] < n.split {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
