package behavior

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/store"
	"github.com/perimetra/riskgate/internal/store/storetest"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	st := store.NewMemory(time.Hour)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

// roboticEvents is a script hitting one endpoint on a perfect 1 s clock.
func roboticEvents(n int, start int64) []event.Event {
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.Event{
			Timestamp: start + int64(i)*1000,
			Action:    "login",
			Endpoint:  "/api/login",
			IP:        "1.2.3.4",
			Method:    "POST",
		}
	}
	return events
}

// humanEvents mixes endpoints, irregular gaps, interaction markers, and
// jittered response times.
func humanEvents(start int64, jitter int64) []event.Event {
	gaps := []int64{237, 1411, 689, 2923, 571, 1277, 843, 3391, 467, 1129, 757, 2233}
	actions := []string{"view", "mouse_move", "scroll", "click", "view", "scroll", "search", "mouse_move", "click", "view", "scroll", "checkout"}
	endpoints := []string{"/home", "/home", "/products", "/products/42", "/cart", "/cart", "/search", "/search", "/products/7", "/about", "/about", "/checkout"}

	events := make([]event.Event, len(gaps))
	ts := start
	for i := range events {
		ts += gaps[i] + int64(i%3)*jitter
		events[i] = event.Event{
			Timestamp:    ts,
			Action:       actions[i],
			Endpoint:     endpoints[i],
			IP:           "93.184.216.34",
			Method:       "GET",
			ResponseTime: float64(40 + (i*17)%120 + int(jitter)),
			PayloadSize:  int64(500 + (i*31)%900 + int(jitter)*10),
		}
	}
	return events
}

func TestTooFewEventsIsUnreliable(t *testing.T) {
	a := newTestAnalyzer(t)
	res := a.Analyze("u1", roboticEvents(5, 0), 5000)
	assert.False(t, res.Reliable)
	assert.Equal(t, 0.5, res.Score)
}

func TestRoboticTimingScoresHigh(t *testing.T) {
	a := newTestAnalyzer(t)
	res := a.Analyze("bot1", roboticEvents(100, 0), 100_000)

	require.True(t, res.Reliable)
	assert.GreaterOrEqual(t, res.Scores["automation"], 0.6)
	assert.GreaterOrEqual(t, res.Scores["rhythm"], 0.5)
	assert.Greater(t, res.Scores["lowDiversity"], 0.8)
	assert.GreaterOrEqual(t, res.Score, 0.6)
}

func TestHumanTrafficScoresLow(t *testing.T) {
	a := newTestAnalyzer(t)
	res := a.Analyze("human1", humanEvents(0, 7), 60_000)

	require.True(t, res.Reliable)
	assert.Less(t, res.Score, 0.3)
	assert.Less(t, res.Scores["automation"], 0.6)
	assert.Less(t, res.Scores["rhythm"], 0.4)
}

func TestScoreAlwaysBounded(t *testing.T) {
	a := newTestAnalyzer(t)
	inputs := [][]event.Event{
		roboticEvents(1000, 0),
		humanEvents(0, 0),
		roboticEvents(10, 0),
	}
	for i, events := range inputs {
		res := a.Analyze(fmt.Sprintf("id%d", i), events, time.Now().UnixMilli())
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
		for name, s := range res.Scores {
			assert.GreaterOrEqual(t, s, 0.0, name)
			assert.LessOrEqual(t, s, 1.0, name)
		}
	}
}

func TestConfidenceGrowsWithHistory(t *testing.T) {
	a := newTestAnalyzer(t)

	var last Result
	for i := 0; i < 10; i++ {
		last = a.Analyze("u2", humanEvents(int64(i)*100_000, int64(i%5)), int64(i+1)*100_000)
	}
	assert.InDelta(t, 0.5, last.Confidence, 1e-9, "10 samples over divisor 20")

	for i := 10; i < 25; i++ {
		last = a.Analyze("u2", humanEvents(int64(i)*100_000, int64(i%5)), int64(i+1)*100_000)
	}
	assert.Equal(t, 1.0, last.Confidence)
}

func TestBaselineAnomalyDetection(t *testing.T) {
	a := newTestAnalyzer(t)

	// Build a confident baseline from jittered but consistent sessions.
	for i := 0; i < 10; i++ {
		a.Analyze("u3", humanEvents(int64(i)*200_000, int64(i%7)), int64(i+1)*200_000)
	}

	conforming := a.Analyze("u3", humanEvents(3_000_000, 3), 3_100_000)

	// Sudden burst of identical fast requests deviates on interval,
	// entropy, and payload features at once.
	deviant := make([]event.Event, 30)
	for i := range deviant {
		deviant[i] = event.Event{
			Timestamp:   4_000_000 + int64(i)*20,
			Action:      "export",
			Endpoint:    "/api/export",
			IP:          "93.184.216.34",
			Method:      "GET",
			PayloadSize: 90_000,
		}
	}
	res := a.Analyze("u3", deviant, 4_001_000)

	assert.Greater(t, res.Scores["anomaly"], conforming.Scores["anomaly"])
	assert.Greater(t, res.Scores["anomaly"], 0.2)
}

func TestSessionAnomalyLongUnbrokenSession(t *testing.T) {
	// 40 minutes of activity with never more than a minute of quiet.
	events := make([]event.Event, 50)
	ts := int64(0)
	for i := range events {
		ts += 50_000
		events[i] = event.Event{Timestamp: ts, Action: "poll", Endpoint: "/api/feed"}
	}
	s := sessionAnomalyScore(events)
	assert.GreaterOrEqual(t, s, 0.6, "no-gap marathon plus flat hour histogram")
}

func TestReset(t *testing.T) {
	a := newTestAnalyzer(t)
	for i := 0; i < 8; i++ {
		a.Analyze("u4", humanEvents(int64(i)*100_000, 2), int64(i+1)*100_000)
	}
	require.NotNil(t, loadProfile(a.store, "u4"))

	a.Reset("u4")
	assert.Nil(t, loadProfile(a.store, "u4"))

	res := a.Analyze("u4", humanEvents(0, 2), 100_000)
	assert.InDelta(t, 1.0/confidenceDivisor, res.Confidence, 1e-9)
}

// The learned baseline must survive the generic shapes a JSON backend
// returns, or confidence would stay stuck at one sample forever.
func TestProfilePersistsThroughJSONBackedStore(t *testing.T) {
	st := storetest.New()
	t.Cleanup(st.Close)
	a := New(st)

	var res Result
	for i := 0; i < 12; i++ {
		res = a.Analyze("u9", humanEvents(int64(i)*100_000, int64(i%5)), int64(i+1)*100_000)
	}
	require.True(t, res.Reliable)
	assert.InDelta(t, 12.0/confidenceDivisor, res.Confidence, 1e-9)
	assert.Len(t, a.FeatureHistory("u9"), 12)
}
