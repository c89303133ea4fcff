package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/riskgate/internal/store"
	"github.com/perimetra/riskgate/internal/store/storetest"
)

// Rough city coordinates for the travel scenarios.
var (
	newYork = [2]float64{40.71, -74.01}
	boston  = [2]float64{42.36, -71.06}
	tokyo   = [2]float64{35.68, 139.69}
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	st := store.NewMemory(time.Hour)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestFirstObservationNeverFlags(t *testing.T) {
	tr := newTestTracker(t)
	travel := tr.Observe("u1", "s1", tokyo[0], tokyo[1], 0)
	assert.False(t, travel.Flagged)
	assert.Zero(t, travel.Risk)
}

func TestPlausibleTravel(t *testing.T) {
	tr := newTestTracker(t)
	tr.Observe("u2", "s1", newYork[0], newYork[1], 0)

	// New York to Boston (~300 km) over four hours.
	travel := tr.Observe("u2", "s2", boston[0], boston[1], 4*3_600_000)
	assert.False(t, travel.Flagged)
	assert.InDelta(t, 300, travel.DistanceKm, 50)
	assert.Less(t, travel.SpeedKmh, MaxSpeedKmh)
}

func TestImpossibleTravel(t *testing.T) {
	tr := newTestTracker(t)
	tr.Observe("u3", "s1", newYork[0], newYork[1], 0)

	// New York to Tokyo (~10,800 km) three minutes later.
	travel := tr.Observe("u3", "s2", tokyo[0], tokyo[1], 3*60_000)
	require.True(t, travel.Flagged)
	assert.Equal(t, "impossible_travel", travel.Reason)
	assert.Greater(t, travel.SpeedKmh, MaxSpeedKmh)
	assert.GreaterOrEqual(t, travel.Risk, 0.6)
	assert.LessOrEqual(t, travel.Risk, 1.0)
}

func TestSameLocationRepeats(t *testing.T) {
	tr := newTestTracker(t)
	for i := 0; i < 30; i++ {
		travel := tr.Observe("u4", "s1", newYork[0], newYork[1], int64(i)*10_000)
		assert.False(t, travel.Flagged)
	}
}

func TestReset(t *testing.T) {
	tr := newTestTracker(t)
	tr.Observe("u5", "s1", newYork[0], newYork[1], 0)
	tr.Reset("u5")

	// History gone, so the Tokyo sighting has nothing to compare against.
	travel := tr.Observe("u5", "s2", tokyo[0], tokyo[1], 60_000)
	assert.False(t, travel.Flagged)
}

// Observations must survive the generic shapes a JSON backend returns, or
// every sighting would look like the identity's first.
func TestImpossibleTravelWithJSONBackedStore(t *testing.T) {
	st := storetest.New()
	t.Cleanup(st.Close)
	tr := New(st)

	tr.Observe("u6", "s1", newYork[0], newYork[1], 0)
	travel := tr.Observe("u6", "s2", tokyo[0], tokyo[1], 3*60_000)
	require.True(t, travel.Flagged)
	assert.Equal(t, "impossible_travel", travel.Reason)
	assert.GreaterOrEqual(t, travel.Risk, 0.6)
}
