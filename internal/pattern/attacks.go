package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/perimetra/riskgate/internal/event"
	"github.com/perimetra/riskgate/internal/stats"
)

// AttackType names one of the known attack classes.
type AttackType string

const (
	AttackBruteForce      AttackType = "bruteForce"
	AttackEnumeration     AttackType = "enumeration"
	AttackScraping        AttackType = "scraping"
	AttackCardTesting     AttackType = "cardTesting"
	AttackAccountTakeover AttackType = "accountTakeover"
	AttackAPIAbuse        AttackType = "apiAbuse"
)

// attackSignature defines one attack class: what to match, how much
// repetition makes it real, and optional timing/shape constraints that
// raise the score when satisfied.
type attackSignature struct {
	attack         AttackType
	target         *regexp.Regexp // matched against endpoint and action
	minRepetitions int
	riskMultiplier float64

	maxInterval   float64 // ms; bonus when mean match interval is below
	sequentialIDs bool    // bonus when matched endpoints walk numeric ids
	lowVariance   bool    // bonus when match intervals have cv < 0.2
}

const (
	constraintBonus = 1.2
	sequentialBonus = 1.3
)

// Compile-once registry. Regexes cover endpoint and action text.
var attackRegistry = []attackSignature{
	{
		attack:         AttackBruteForce,
		target:         regexp.MustCompile(`(?i)login|signin|auth`),
		minRepetitions: 5,
		riskMultiplier: 1.5,
		maxInterval:    2000,
	},
	{
		attack:         AttackAccountTakeover,
		target:         regexp.MustCompile(`(?i)password|reset|recover|2fa|mfa|verify`),
		minRepetitions: 3,
		riskMultiplier: 1.6,
	},
	{
		attack:         AttackCardTesting,
		target:         regexp.MustCompile(`(?i)payment|charge|card|checkout|billing`),
		minRepetitions: 5,
		riskMultiplier: 1.8,
		maxInterval:    5000,
	},
	{
		attack:         AttackEnumeration,
		target:         regexp.MustCompile(`(?i)/(users?|accounts?|orders?|items?|products?)/\d+`),
		minRepetitions: 10,
		riskMultiplier: 1.2,
		sequentialIDs:  true,
	},
	{
		attack:         AttackScraping,
		target:         regexp.MustCompile(`(?i)list|search|catalog|product|item|page|feed`),
		minRepetitions: 20,
		riskMultiplier: 1.0,
		lowVariance:    true,
	},
	{
		attack:         AttackAPIAbuse,
		target:         regexp.MustCompile(`(?i)^/(api|v\d+)/`),
		minRepetitions: 50,
		riskMultiplier: 0.8,
		maxInterval:    1000,
	},
}

// detectAttacks matches the event window against the registry and returns
// the matched patterns plus the highest-risk attack type.
func (d *Detector) detectAttacks(events []event.Event) ([]Pattern, AttackType) {
	var patterns []Pattern
	var worst AttackType
	worstRisk := 0.0

	for _, sig := range d.attacks {
		matched := make([]event.Event, 0)
		for _, e := range events {
			if sig.target.MatchString(e.Endpoint) || sig.target.MatchString(e.Action) {
				matched = append(matched, e)
			}
		}
		if len(matched) < sig.minRepetitions {
			continue
		}

		risk := float64(len(matched)) / float64(3*sig.minRepetitions) * sig.riskMultiplier
		risk *= attackBonuses(sig, matched)
		risk = stats.Clamp01(risk)

		patterns = append(patterns, Pattern{
			Kind:   "attack:" + string(sig.attack),
			Detail: fmt.Sprintf("%d matching requests", len(matched)),
			Count:  len(matched),
			Risk:   risk,
		})
		if risk > worstRisk {
			worstRisk = risk
			worst = sig.attack
		}
	}

	return patterns, worst
}

func attackBonuses(sig attackSignature, matched []event.Event) float64 {
	bonus := 1.0
	intervals := event.Intervals(matched)

	if sig.maxInterval > 0 && len(intervals) > 0 && stats.Mean(intervals) < sig.maxInterval {
		bonus *= constraintBonus
	}
	if sig.lowVariance && len(intervals) >= 2 {
		if cv := stats.CoefficientOfVariation(intervals); cv < 0.2 {
			bonus *= constraintBonus
		}
	}
	if sig.sequentialIDs && walksSequentialIDs(matched) {
		bonus *= sequentialBonus
	}
	return bonus
}

// walksSequentialIDs reports whether the trailing numeric path segments
// form a mostly increasing walk, the signature of id enumeration.
func walksSequentialIDs(matched []event.Event) bool {
	var ids []int
	for _, e := range matched {
		if id, ok := trailingID(e.Endpoint); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < 3 {
		return false
	}
	ascending := 0
	for i := 1; i < len(ids); i++ {
		if ids[i] > ids[i-1] {
			ascending++
		}
	}
	return float64(ascending)/float64(len(ids)-1) > 0.8
}

func trailingID(endpoint string) (int, bool) {
	idx := strings.LastIndex(endpoint, "/")
	if idx < 0 || idx == len(endpoint)-1 {
		return 0, false
	}
	id, err := strconv.Atoi(endpoint[idx+1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
