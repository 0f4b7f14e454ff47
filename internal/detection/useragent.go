package detection

import (
	"context"
	"strings"

	"github.com/cloakroute/edge/internal/visitor"
)

// botLexicon lists lower-case tokens whose presence in a user agent marks
// automated traffic outright: crawlers, HTTP libraries, automation
// frameworks, search-engine and messenger bots, monitoring probes.
var botLexicon = []string{
	"bot", "crawl", "spider", "scrape", "fetch",
	"curl", "wget", "python-requests", "python-urllib", "httpx", "aiohttp",
	"httpclient", "okhttp", "go-http-client", "libwww", "lwp-request",
	"node-fetch", "axios", "java/", "jersey", "restsharp",
	"phantomjs", "slimerjs", "htmlunit", "selenium", "webdriver",
	"puppeteer", "playwright", "headless",
	"googlebot", "bingbot", "yandex", "baiduspider", "duckduckbot", "slurp",
	"telegrambot", "whatsapp", "slackbot", "discordbot", "twitterbot",
	"facebookexternalhit", "linkedinbot", "skypeuripreview", "pinterestbot",
	"pingdom", "uptimerobot", "statuscake", "site24x7", "newrelicpinger",
}

// impossibleMajor is a browser major version no released browser has
// reached; anything above it is a spoofed string.
const impossibleMajor = 150

const minUserAgentLength = 10

// UserAgentAnalyzer scores the raw user-agent string.
type UserAgentAnalyzer struct {
	minVersions map[string]int
}

// NewUserAgentAnalyzer takes the outdated-browser thresholds keyed by
// lower-case browser family (chrome, firefox, safari, edge).
func NewUserAgentAnalyzer(minVersions map[string]int) *UserAgentAnalyzer {
	return &UserAgentAnalyzer{minVersions: minVersions}
}

func (a *UserAgentAnalyzer) Name() string { return AnalyzerUserAgent }

func (a *UserAgentAnalyzer) Analyze(_ context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{Confidence: 0.9}
	ua := strings.ToLower(strings.TrimSpace(d.UserAgent))

	if ua == "" {
		res.Score = 1.0
		res.Confidence = 0.95
		res.flag("missing_user_agent")
		return res, nil
	}
	if len(ua) < minUserAgentLength {
		res.Score = 1.0
		res.Confidence = 0.95
		res.flag("short_user_agent")
		return res, nil
	}

	for _, token := range botLexicon {
		if strings.Contains(ua, token) {
			res.Score = 1.0
			res.Confidence = 0.95
			res.flag("bot_lexicon:" + token)
			res.detail("matched_token", token)
			return res, nil
		}
	}

	if spoofFlags := spoofingSignals(ua, d); len(spoofFlags) > 0 {
		res.Score = 0.9
		res.Confidence = 0.85
		res.Flags = append(res.Flags, spoofFlags...)
		return res, nil
	}

	if d.Browser == "" {
		res.Score = 0.7
		res.Confidence = 0.6
		res.flag("unknown_browser")
		return res, nil
	}

	if a.outdated(d) {
		res.Score = 0.6
		res.Confidence = 0.7
		res.flag("outdated_browser")
		res.detail("browser", d.Browser)
		res.detail("version", d.BrowserVersion)
		return res, nil
	}

	return res, nil
}

// spoofingSignals reports tokens for user agents that claim impossible
// combinations.
func spoofingSignals(ua string, d *visitor.Descriptor) []string {
	var flags []string

	if strings.Contains(ua, "mozilla") &&
		!strings.Contains(ua, "gecko") && !strings.Contains(ua, "applewebkit") {
		flags = append(flags, "spoofed_engine")
	}
	if strings.Contains(ua, "chrome") && strings.Contains(ua, "firefox") {
		flags = append(flags, "conflicting_browsers")
	}
	if d.BrowserMajor > impossibleMajor {
		flags = append(flags, "impossible_version")
	}
	return flags
}

func (a *UserAgentAnalyzer) outdated(d *visitor.Descriptor) bool {
	if d.BrowserMajor == 0 {
		return false
	}
	family := strings.ToLower(d.Browser)
	for name, min := range a.minVersions {
		if strings.Contains(family, name) && d.BrowserMajor < min {
			return true
		}
	}
	return false
}
