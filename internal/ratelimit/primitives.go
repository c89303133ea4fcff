package ratelimit

import (
	"math"
	"time"
)

// tokenState backs TakeTokens: capacity = limit, refilling at
// limit/window tokens per second.
type tokenState struct {
	tokens     float64
	lastRefill time.Time
}

// leakyState backs Pour: a bucket that drains at a fixed rate.
type leakyState struct {
	level    float64
	lastLeak time.Time
}

// TakeTokens consumes cost tokens (1 when <= 0) from id's token bucket on
// endpoint. The bucket holds at most limit tokens and refills at
// limit/window tokens per second. Grounded on the same key namespace as
// the sliding-window buckets but independent of them.
func (l *Limiter) TakeTokens(id, endpoint string, cost float64) bool {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()
	key := id + "|token:" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := float64(l.baseLimitLocked(id))
	refillPerSec := capacity / l.cfg.Window.Seconds()

	st, ok := l.tokenBuckets[key]
	if !ok {
		st = &tokenState{tokens: capacity, lastRefill: now}
		l.tokenBuckets[key] = st
	} else {
		elapsed := now.Sub(st.lastRefill).Seconds()
		st.tokens = math.Min(capacity, st.tokens+elapsed*refillPerSec)
		st.lastRefill = now
	}

	if st.tokens < cost {
		return false
	}
	st.tokens -= cost
	return true
}

// Pour adds amount (1 when <= 0) to id's leaky bucket on endpoint. The
// bucket drains at leakPerSec and rejects once capacity would overflow.
func (l *Limiter) Pour(id, endpoint string, amount, capacity, leakPerSec float64) bool {
	if amount <= 0 {
		amount = 1
	}
	if capacity <= 0 {
		capacity = float64(l.cfg.DefaultLimit)
	}
	if leakPerSec <= 0 {
		leakPerSec = capacity / l.cfg.Window.Seconds()
	}
	now := time.Now()
	key := id + "|leaky:" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.leakyBuckets[key]
	if !ok {
		st = &leakyState{lastLeak: now}
		l.leakyBuckets[key] = st
	} else {
		elapsed := now.Sub(st.lastLeak).Seconds()
		st.level = math.Max(0, st.level-elapsed*leakPerSec)
		st.lastLeak = now
	}

	if st.level+amount > capacity {
		return false
	}
	st.level += amount
	return true
}

// WeightedCount returns the age-weighted request count for id's bucket on
// endpoint: each in-window timestamp contributes (1 - age/window), so a
// burst that just happened weighs more than one about to expire.
func (l *Limiter) WeightedCount(id, endpoint string) float64 {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id+"|"+endpoint]
	if !ok {
		return 0
	}

	var sum float64
	window := l.cfg.Window.Seconds()
	for _, ts := range b.requests {
		age := now.Sub(ts).Seconds()
		if age < 0 || age > window {
			continue
		}
		sum += 1 - age/window
	}
	return sum
}
