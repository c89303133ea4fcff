package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/riskgate/internal/anomaly"
)

func TestAnalyzeProfileInsufficientData(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	_, err := e.AnalyzeProfile("nobody")
	assert.ErrorIs(t, err, anomaly.ErrInsufficientData)

	// A single request is far from enough history either.
	e.Evaluate(context.Background(), &Request{
		IP:       "93.184.216.34",
		UserID:   "newcomer",
		Endpoint: "/home",
		Action:   "view",
		Headers:  map[string]string{"user-agent": desktopUA},
	})
	_, err = e.AnalyzeProfile("newcomer")
	assert.ErrorIs(t, err, anomaly.ErrInsufficientData)
}

func TestAnalyzeProfileScoresHistory(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	// Human-looking traffic with jittered spacing so the extracted
	// features carry variance.
	ts := int64(0)
	for i := 0; i < 30; i++ {
		ts += 1500 + int64(i%7)*337
		e.Evaluate(context.Background(), &Request{
			IP:        "93.184.216.34",
			UserID:    "regular",
			Method:    "GET",
			Endpoint:  []string{"/home", "/search", "/items", "/cart"}[i%4],
			Action:    []string{"view", "search", "browse"}[i%3],
			Headers:   map[string]string{"user-agent": desktopUA},
			Client:    fullHints(),
			Timestamp: ts,
		})
	}

	analysis, err := e.AnalyzeProfile("regular")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, analysis.Samples, anomaly.MinSamples)
	assert.Greater(t, analysis.ForestScore, 0.0)
	assert.LessOrEqual(t, analysis.ForestScore, 1.0)
}
