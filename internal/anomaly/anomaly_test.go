package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cluster generates n points jittered around a center.
func cluster(n int, cx, cy float64) [][]float64 {
	data := make([][]float64, n)
	for i := range data {
		dx := float64(i%7)*0.1 - 0.3
		dy := float64(i%5)*0.1 - 0.2
		data[i] = []float64{cx + dx, cy + dy}
	}
	return data
}

func TestForestRejectsSmallTrainingSet(t *testing.T) {
	f := NewForest(WithSeed(1))
	err := f.Fit(cluster(5, 0, 0))
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, ok := f.Score([]float64{0, 0})
	assert.False(t, ok, "no score before a successful fit")
}

func TestForestSeparatesOutlier(t *testing.T) {
	f := NewForest(WithSeed(42), WithTrees(100))
	require.NoError(t, f.Fit(cluster(200, 10, 10)))

	inlier, ok := f.Score([]float64{10, 10})
	require.True(t, ok)
	outlier, ok := f.Score([]float64{100, -50})
	require.True(t, ok)

	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 0.6, "far point should be easy to isolate")
	assert.Less(t, inlier, 0.6)
}

func TestForestDeterministicWithSeed(t *testing.T) {
	data := cluster(100, 0, 0)
	point := []float64{5, 5}

	a := NewForest(WithSeed(7))
	require.NoError(t, a.Fit(data))
	s1, _ := a.Score(point)

	b := NewForest(WithSeed(7))
	require.NoError(t, b.Fit(data))
	s2, _ := b.Score(point)

	assert.Equal(t, s1, s2)
}

func TestLOFRejectsSmallTrainingSet(t *testing.T) {
	l := NewLOF()
	assert.ErrorIs(t, l.Fit(cluster(4, 0, 0)), ErrInsufficientData)

	_, ok := l.Score([]float64{0, 0})
	assert.False(t, ok)
}

func TestLOFSeparatesOutlier(t *testing.T) {
	l := NewLOF(WithNeighbors(5))
	require.NoError(t, l.Fit(cluster(50, 0, 0)))

	inlier, ok := l.Score([]float64{0.05, 0.05})
	require.True(t, ok)
	outlier, ok := l.Score([]float64{30, 30})
	require.True(t, ok)

	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 2.0, "distant point has a large density ratio")
	assert.Less(t, inlier, 1.5)
}
