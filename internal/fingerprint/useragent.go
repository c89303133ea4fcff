package fingerprint

import (
	"regexp"
	"strconv"
)

// UserAgent is the parsed form of a User-Agent header.
type UserAgent struct {
	Browser string // chrome, firefox, safari, edge, opera, unknown
	Version int    // major version, 0 when unparsed
	OS      string // windows, macos, linux, android, ios, unknown
	Device  string // mobile, tablet, desktop
	IsBot   bool
}

// Compile-once registries. Order matters for browsers: Edge and Opera
// advertise Chrome, and Chrome advertises Safari.
var (
	// Automation frameworks plus bare HTTP client libraries. A raw
	// python-requests or curl UA is as telling as an explicit "bot".
	botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|headless|phantom|selenium|puppeteer|playwright|webdriver|python-requests|python-urllib|go-http-client|curl/|wget/|libwww|okhttp|httpclient|scrapy`)

	browserPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"edge", regexp.MustCompile(`(?i)edge?/(\d+)`)},
		{"opera", regexp.MustCompile(`(?i)(?:opera|opr)/(\d+)`)},
		{"chrome", regexp.MustCompile(`(?i)chrome/(\d+)`)},
		{"firefox", regexp.MustCompile(`(?i)firefox/(\d+)`)},
		{"safari", regexp.MustCompile(`(?i)version/(\d+).*safari`)},
	}

	osPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"android", regexp.MustCompile(`(?i)android`)},
		{"ios", regexp.MustCompile(`(?i)iphone|ipad|ipod`)},
		{"windows", regexp.MustCompile(`(?i)windows`)},
		{"macos", regexp.MustCompile(`(?i)mac os x|macintosh`)},
		{"linux", regexp.MustCompile(`(?i)linux`)},
	}

	tabletPattern = regexp.MustCompile(`(?i)ipad|tablet`)
	mobilePattern = regexp.MustCompile(`(?i)mobile|iphone|ipod|android`)
)

// ParseUserAgent identifies browser, OS, device class, and bot-ness from a
// raw User-Agent string. Unknown fields come back as "unknown"/"desktop".
func ParseUserAgent(ua string) UserAgent {
	parsed := UserAgent{
		Browser: "unknown",
		OS:      "unknown",
		Device:  "desktop",
		IsBot:   botPattern.MatchString(ua),
	}
	if ua == "" {
		return parsed
	}

	for _, bp := range browserPatterns {
		if m := bp.re.FindStringSubmatch(ua); m != nil {
			parsed.Browser = bp.name
			parsed.Version, _ = strconv.Atoi(m[1])
			break
		}
	}

	for _, op := range osPatterns {
		if op.re.MatchString(ua) {
			parsed.OS = op.name
			break
		}
	}

	if tabletPattern.MatchString(ua) {
		parsed.Device = "tablet"
	} else if mobilePattern.MatchString(ua) {
		parsed.Device = "mobile"
	}

	return parsed
}
