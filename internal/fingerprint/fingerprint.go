// Package fingerprint derives stable device fingerprints and anomaly/bot
// scores from request headers and client-declared attributes.
//
// The fingerprint hash is deterministic: an unchanged request record
// produces a byte-identical hash across calls, which is what lets the
// stability tracker tell a consistent device from a rotating one.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/perimetra/riskgate/internal/stats"
	"github.com/perimetra/riskgate/internal/store"
)

// ClientHints carries client-declared attributes forwarded by the adapter.
// All fields are optional; missing values degrade confidence, not safety.
type ClientHints struct {
	Timezone         string
	ScreenResolution string // "1920x1080"
	Platform         string
	ColorDepth       int
	CanvasHash       string
	WebGLHash        string
	AudioHash        string
	Plugins          []string
	Fonts            []string
	TouchSupport     bool
	CookiesEnabled   bool
	JSEnabled        bool
	HasPhantom       bool // window._phantom style navigator leaks
	HasWebDriver     bool // navigator.webdriver
}

// Input is everything the fingerprinter reads from one request.
type Input struct {
	UserAgent      string
	IP             string
	AcceptLanguage string
	AcceptEncoding string
	Connection     string
	Client         *ClientHints
}

// Fingerprint is the derived device identity plus its risk scores.
type Fingerprint struct {
	Hash       string  `json:"hash"`
	UserAgent  UserAgent
	IPClass    IPClass
	Anomaly    float64 `json:"anomaly"`
	Bot        float64 `json:"bot"`
	IsBot      bool    `json:"isBot"`
	Confidence float64 `json:"confidence"`
}

// Indicator weights for the bot score.
const (
	botWeightUserAgent  = 0.9
	botWeightNoJS       = 0.7
	botWeightPhantom    = 0.6
	botWeightHeadless   = 0.95
	botWeightWebDriver  = 1.0
	botWeightDatacenter = 0.3

	botThreshold = 0.7
)

// Generate derives the fingerprint and scores for one request.
func Generate(in Input) Fingerprint {
	ua := ParseUserAgent(in.UserAgent)
	ipClass := ClassifyIP(in.IP)

	fp := Fingerprint{
		Hash:      hashComponents(in, ua),
		UserAgent: ua,
		IPClass:   ipClass,
	}
	fp.Anomaly = anomalyScore(in, ua, ipClass)
	fp.Bot = botScore(in, ua, ipClass)
	fp.IsBot = fp.Bot > botThreshold
	fp.Confidence = confidence(in)
	return fp
}

// hashComponents builds the deterministic FNV-1a hash over the significant
// components joined by '|'. List-valued components are sorted first so
// ordering differences don't fork the fingerprint.
func hashComponents(in Input, ua UserAgent) string {
	var c ClientHints
	if in.Client != nil {
		c = *in.Client
	}

	components := []string{
		fnv32(in.UserAgent),
		fnv32(IPPrefix(in.IP)),
		primaryLanguages(in.AcceptLanguage),
		c.Timezone,
		c.ScreenResolution,
		c.Platform,
		c.CanvasHash,
		c.WebGLHash,
		fnv32(joinSorted(c.Plugins)),
		fnv32(joinSorted(c.Fonts)),
	}
	return fnv32(strings.Join(components, "|"))
}

// fnv32 returns the 32-bit FNV-1a hash of s as 8 hex chars.
func fnv32(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// primaryLanguages extracts the primary language codes from an
// Accept-Language header, sorted ("en-US,en;q=0.9,fr;q=0.8" → "en,fr").
func primaryLanguages(header string) string {
	if header == "" {
		return ""
	}
	seen := make(map[string]struct{})
	var langs []string
	for _, part := range strings.Split(header, ",") {
		lang := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		lang = strings.SplitN(lang, "-", 2)[0]
		if lang == "" {
			continue
		}
		if _, dup := seen[lang]; !dup {
			seen[lang] = struct{}{}
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return strings.Join(langs, ",")
}

func joinSorted(items []string) string {
	if len(items) == 0 {
		return ""
	}
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// anomalyScore sums weighted inconsistency indicators into [0,1].
func anomalyScore(in Input, ua UserAgent, ipClass IPClass) float64 {
	var c ClientHints
	if in.Client != nil {
		c = *in.Client
	}

	var score float64
	if ua.IsBot {
		score += 0.8
	}
	if in.UserAgent == "" {
		score += 0.3
	}
	if ipClass == IPDatacenter {
		score += 0.4
	}
	if ua.Browser == "chrome" && ua.Version > 0 && ua.Version < 70 {
		score += 0.2
	}
	if c.Timezone == "" && c.ScreenResolution == "" {
		score += 0.3
	}
	if c.CanvasHash == "" && c.WebGLHash == "" {
		score += 0.2
	}
	if w := screenWidth(c.ScreenResolution); w > 3840 || (w > 0 && w < 320) {
		score += 0.15
	}
	if ua.Device == "mobile" && in.Client != nil && !c.TouchSupport {
		score += 0.25
	}
	if ua.Browser == "chrome" && ua.OS == "windows" && in.Client != nil && len(c.Plugins) == 0 {
		score += 0.15
	}
	if in.Client != nil && !c.CookiesEnabled {
		score += 0.1
	}
	return stats.Clamp01(score)
}

// botScore is the weighted automation-indicator sum in [0,1].
func botScore(in Input, ua UserAgent, ipClass IPClass) float64 {
	var c ClientHints
	if in.Client != nil {
		c = *in.Client
	}

	var score float64
	if ua.IsBot {
		score += botWeightUserAgent
	}
	if in.Client != nil && !c.JSEnabled {
		score += botWeightNoJS
	}
	if c.HasPhantom {
		score += botWeightPhantom
	}
	if strings.Contains(strings.ToLower(in.UserAgent), "headlesschrome") {
		score += botWeightHeadless
	}
	if c.HasWebDriver {
		score += botWeightWebDriver
	}
	if ipClass == IPDatacenter {
		score += botWeightDatacenter
	}
	return stats.Clamp01(score)
}

// Component presence weights for confidence scoring.
var confidenceWeights = []struct {
	weight  float64
	present func(Input, ClientHints) bool
}{
	{0.15, func(in Input, _ ClientHints) bool { return in.UserAgent != "" }},
	{0.20, func(in Input, _ ClientHints) bool { return in.IP != "" }},
	{0.10, func(_ Input, c ClientHints) bool { return c.Timezone != "" }},
	{0.10, func(_ Input, c ClientHints) bool { return c.ScreenResolution != "" }},
	{0.10, func(in Input, _ ClientHints) bool { return in.AcceptLanguage != "" }},
	{0.05, func(in Input, _ ClientHints) bool { return in.AcceptEncoding != "" }},
	{0.05, func(in Input, _ ClientHints) bool { return in.Connection != "" }},
	{0.05, func(_ Input, c ClientHints) bool { return c.ColorDepth > 0 }},
	{0.05, func(_ Input, c ClientHints) bool { return c.Platform != "" }},
	{0.05, func(_ Input, c ClientHints) bool { return len(c.Plugins) > 0 }},
	{0.05, func(_ Input, c ClientHints) bool { return c.CanvasHash != "" }},
	{0.05, func(_ Input, c ClientHints) bool { return c.WebGLHash != "" }},
}

// confidence is the weighted fraction of components present, plus small
// bonuses for the higher-entropy ones.
func confidence(in Input) float64 {
	var c ClientHints
	if in.Client != nil {
		c = *in.Client
	}

	var score float64
	for _, cw := range confidenceWeights {
		if cw.present(in, c) {
			score += cw.weight
		}
	}
	if c.CanvasHash != "" {
		score += 0.05
	}
	if c.WebGLHash != "" {
		score += 0.05
	}
	if len(c.Fonts) > 0 {
		score += 0.03
	}
	if c.AudioHash != "" {
		score += 0.02
	}
	return stats.Clamp01(score)
}

func screenWidth(resolution string) int {
	parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
	if len(parts) != 2 {
		return 0
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0
	}
	return w
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Comparison is the result of matching two request inputs.
type Comparison struct {
	Similarity float64
	Match      bool
}

const matchThreshold = 0.8

// Compare measures how alike two fingerprint inputs are. Identical hashes
// score 1.0; otherwise a weighted per-component similarity where string
// fields use normalized edit distance.
func Compare(a, b Input) Comparison {
	ha := hashComponents(a, ParseUserAgent(a.UserAgent))
	hb := hashComponents(b, ParseUserAgent(b.UserAgent))
	if ha == hb {
		return Comparison{Similarity: 1.0, Match: true}
	}

	var ca, cb ClientHints
	if a.Client != nil {
		ca = *a.Client
	}
	if b.Client != nil {
		cb = *b.Client
	}

	fields := []struct {
		weight float64
		av, bv string
	}{
		{0.30, a.UserAgent, b.UserAgent},
		{0.20, IPPrefix(a.IP), IPPrefix(b.IP)},
		{0.10, ca.Timezone, cb.Timezone},
		{0.10, ca.ScreenResolution, cb.ScreenResolution},
		{0.10, ca.Platform, cb.Platform},
		{0.10, ca.CanvasHash, cb.CanvasHash},
		{0.10, ca.WebGLHash, cb.WebGLHash},
	}

	var sim, total float64
	for _, f := range fields {
		total += f.weight
		sim += f.weight * stringSimilarity(f.av, f.bv)
	}
	if total > 0 {
		sim /= total
	}
	return Comparison{Similarity: sim, Match: sim > matchThreshold}
}

// stringSimilarity is 1 - editDistance/maxLen, with empty-vs-empty = 1.
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(editDistance(a, b))/float64(maxLen)
}

// editDistance is the Levenshtein distance using a two-row table.
func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// ---------------------------------------------------------------------------
// Stability tracking
// ---------------------------------------------------------------------------

const (
	historyMaxLen   = 100
	stabilityWindow = 10
	// maxDistinct: fewer than this many distinct hashes in the stability
	// window counts as a stable device.
	maxDistinct = 3
)

// Tracker records per-identity fingerprint history in the shared store.
type Tracker struct {
	store store.Store
}

// NewTracker creates a stability tracker over the given store.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st}
}

func historyKey(id string) string { return "fingerprint:" + id }

// Observe appends the fingerprint hash to id's history (bounded to 100).
func (t *Tracker) Observe(id, hash string) {
	t.store.Push(historyKey(id), hash, historyMaxLen)
}

// Stable reports whether id's device looks consistent: fewer than 3
// distinct fingerprints across the last 10 observations. An identity with
// no history is considered stable.
func (t *Tracker) Stable(id string) bool {
	history := t.store.List(historyKey(id))
	if len(history) > stabilityWindow {
		history = history[len(history)-stabilityWindow:]
	}
	distinct := make(map[string]struct{}, len(history))
	for _, v := range history {
		if h, ok := v.(string); ok {
			distinct[h] = struct{}{}
		}
	}
	return len(distinct) < maxDistinct
}

// Reset clears id's fingerprint history.
func (t *Tracker) Reset(id string) {
	t.store.Delete(historyKey(id))
}
