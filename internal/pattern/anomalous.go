package pattern

import (
	"fmt"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

const (
	endpointZThreshold   = 3.0
	payloadRepeatMin     = 10
	payloadRepeatFrac    = 0.8
	ipRotationMin        = 5
	sharedUAMinIPs       = 3
	floodPerSecondEvents = 20
)

// detectAnomalous flags distribution outliers and coordination markers:
// one endpoint dominating, identical payloads, rotating IPs, one UA across
// many addresses, and per-second floods.
func detectAnomalous(events []event.Event) []Pattern {
	var patterns []Pattern

	if p, ok := detectHotEndpoint(events); ok {
		patterns = append(patterns, p)
	}
	if p, ok := detectPayloadRepetition(events); ok {
		patterns = append(patterns, p)
	}
	patterns = append(patterns, detectIPSignals(events)...)
	if p, ok := detectFlood(events); ok {
		patterns = append(patterns, p)
	}

	return patterns
}

// detectHotEndpoint flags an endpoint whose request count sits more than
// three standard deviations above the per-endpoint mean.
func detectHotEndpoint(events []event.Event) (Pattern, bool) {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Endpoint]++
	}
	if len(counts) < 3 {
		return Pattern{}, false
	}

	values := make([]float64, 0, len(counts))
	for _, c := range counts {
		values = append(values, float64(c))
	}
	mean := stats.Mean(values)
	std := stats.StdDev(values)

	for endpoint, c := range counts {
		if stats.ZScore(float64(c), mean, std) > endpointZThreshold {
			return Pattern{
				Kind:   "hot_endpoint",
				Detail: fmt.Sprintf("%s drew %d of %d requests", endpoint, c, len(events)),
				Count:  c,
				Risk:   stats.Clamp01(float64(c) / float64(len(events))),
			}, true
		}
	}
	return Pattern{}, false
}

func detectPayloadRepetition(events []event.Event) (Pattern, bool) {
	var sizes []int64
	for _, e := range events {
		if e.PayloadSize > 0 {
			sizes = append(sizes, e.PayloadSize)
		}
	}
	if len(sizes) < payloadRepeatMin {
		return Pattern{}, false
	}

	counts := make(map[int64]int)
	top := 0
	for _, s := range sizes {
		counts[s]++
		if counts[s] > top {
			top = counts[s]
		}
	}
	fraction := float64(top) / float64(len(sizes))
	if fraction <= payloadRepeatFrac {
		return Pattern{}, false
	}
	return Pattern{
		Kind:   "payload_repetition",
		Detail: fmt.Sprintf("%.0f%% of %d payloads identical", fraction*100, len(sizes)),
		Count:  top,
		Risk:   stats.Clamp01(fraction * 0.7),
	}, true
}

func detectIPSignals(events []event.Event) []Pattern {
	ips := make(map[string]struct{})
	uas := make(map[string]struct{})
	for _, e := range events {
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
		if e.UserAgent != "" {
			uas[e.UserAgent] = struct{}{}
		}
	}

	var patterns []Pattern
	if len(ips) >= ipRotationMin {
		patterns = append(patterns, Pattern{
			Kind:   "ip_rotation",
			Detail: fmt.Sprintf("%d distinct IPs for one identity", len(ips)),
			Count:  len(ips),
			Risk:   stats.Clamp01(float64(len(ips)) / 20),
		})
	}
	if len(uas) == 1 && len(ips) >= sharedUAMinIPs {
		patterns = append(patterns, Pattern{
			Kind:   "shared_user_agent",
			Detail: fmt.Sprintf("one user agent across %d IPs", len(ips)),
			Count:  len(ips),
			Risk:   stats.Clamp01(0.3 + float64(len(ips))/20),
		})
	}
	return patterns
}

func detectFlood(events []event.Event) (Pattern, bool) {
	perSecond := make(map[int64]int)
	topSecond := int64(0)
	top := 0
	for _, e := range events {
		s := e.Timestamp / 1000
		perSecond[s]++
		if perSecond[s] > top {
			top = perSecond[s]
			topSecond = s
		}
	}
	if top <= floodPerSecondEvents {
		return Pattern{}, false
	}
	return Pattern{
		Kind:   "flood",
		Detail: fmt.Sprintf("%d events in one second (at %d)", top, topSecond),
		Count:  top,
		Risk:   stats.Clamp01(float64(top) / 100),
	}, true
}
