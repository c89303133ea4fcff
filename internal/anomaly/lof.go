package anomaly

import (
	"sort"

	"github.com/perimetra/riskgate/internal/stats"
)

const defaultNeighbors = 5

// LocalOutlierFactor measures how isolated a point is relative to the
// density of its nearest neighbors. Scores near 1 mean the point sits in
// a region as dense as its neighborhood; well above 1 means an outlier.
type LocalOutlierFactor struct {
	k      int
	data   [][]float64
	fitted bool
}

// LOFOption configures a LocalOutlierFactor.
type LOFOption func(*LocalOutlierFactor)

func WithNeighbors(k int) LOFOption {
	return func(l *LocalOutlierFactor) { l.k = k }
}

// NewLOF creates an untrained scorer.
func NewLOF(opts ...LOFOption) *LocalOutlierFactor {
	l := &LocalOutlierFactor{k: defaultNeighbors}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fit stores the reference data set.
func (l *LocalOutlierFactor) Fit(data [][]float64) error {
	if len(data) < MinSamples || len(data) <= l.k {
		return ErrInsufficientData
	}
	l.data = data
	l.fitted = true
	return nil
}

// Score returns the LOF of x against the fitted data. The boolean is
// false before Fit has succeeded.
func (l *LocalOutlierFactor) Score(x []float64) (float64, bool) {
	if !l.fitted {
		return 0, false
	}

	neighbors, kDist := l.kNearest(x)

	lrdX := l.localReachability(x, neighbors, kDist)
	if lrdX == 0 {
		return 0, true
	}

	var ratioSum float64
	for _, n := range neighbors {
		nNeighbors, nKDist := l.kNearest(l.data[n])
		ratioSum += l.localReachability(l.data[n], nNeighbors, nKDist) / lrdX
	}
	return ratioSum / float64(len(neighbors)), true
}

// kNearest returns the indices of the k closest points and the k-distance.
func (l *LocalOutlierFactor) kNearest(x []float64) ([]int, float64) {
	type nd struct {
		idx  int
		dist float64
	}
	all := make([]nd, 0, len(l.data))
	for i, row := range l.data {
		d := stats.EuclideanDistance(x, row)
		if d == 0 && same(x, row) {
			continue // the point itself is not its own neighbor
		}
		all = append(all, nd{i, d})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })

	k := l.k
	if k > len(all) {
		k = len(all)
	}
	idx := make([]int, k)
	for i := 0; i < k; i++ {
		idx[i] = all[i].idx
	}
	return idx, all[k-1].dist
}

// localReachability is the inverse of the mean reachability distance of
// x from its neighbors. Reachability uses each neighbor's own k-distance
// as a floor, which smooths density estimates inside clusters.
func (l *LocalOutlierFactor) localReachability(x []float64, neighbors []int, _ float64) float64 {
	var sum float64
	for _, n := range neighbors {
		_, nKDist := l.kNearest(l.data[n])
		d := stats.EuclideanDistance(x, l.data[n])
		if nKDist > d {
			d = nKDist
		}
		sum += d
	}
	if sum == 0 {
		return 0
	}
	return float64(len(neighbors)) / sum
}

func same(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
