// Package event defines the per-request record shared by the signal
// producers and the risk engine.
package event

// Event is one recorded request for an identity.
type Event struct {
	Timestamp    int64   `json:"ts"` // unix milliseconds
	Action       string  `json:"action"`
	Endpoint     string  `json:"endpoint"`
	IP           string  `json:"ip"`
	UserAgent    string  `json:"ua"`
	Method       string  `json:"method"`
	ResponseTime float64 `json:"responseTime,omitempty"` // ms, 0 when unmeasured
	PayloadSize  int64   `json:"payloadSize,omitempty"`
	StatusCode   int     `json:"statusCode,omitempty"`
}

// Intervals returns the inter-arrival gaps in milliseconds between
// consecutive events. Events are assumed ordered by arrival.
func Intervals(events []Event) []float64 {
	if len(events) < 2 {
		return nil
	}
	out := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		out = append(out, float64(events[i].Timestamp-events[i-1].Timestamp))
	}
	return out
}

// Timestamps extracts the millisecond timestamps.
func Timestamps(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Timestamp
	}
	return out
}
