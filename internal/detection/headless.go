package detection

import (
	"context"
	"strings"

	"github.com/cloakroute/edge/internal/visitor"
)

// automationHeaders are set by automation frameworks, debugging proxies,
// or sloppy bot kits. Any one of them on a real visitor is essentially
// unheard of.
var automationHeaders = []string{
	"x-automation",
	"x-bot",
	"x-crawler",
	"x-webdriver",
	"x-selenium",
	"x-puppeteer",
	"x-playwright",
	"webdriver-active",
	"x-chrome-connected",
	"x-devtools-emulate-network-conditions-client-id",
}

// headlessUATokens identify browsers that announce their headless mode
// outright.
var headlessUATokens = []string{
	"headlesschrome",
	"headless",
	"phantomjs",
	"slimerjs",
	"htmlunit",
	"electron",
}

// HeadlessAnalyzer classifies automated browsers by combining the user
// agent, request headers, and client-side probes. It also names the
// framework when it can, which downstream reporting prefers over a bare
// verdict.
type HeadlessAnalyzer struct{}

func NewHeadlessAnalyzer() *HeadlessAnalyzer { return &HeadlessAnalyzer{} }

func (a *HeadlessAnalyzer) Name() string { return AnalyzerHeadless }

func (a *HeadlessAnalyzer) Analyze(_ context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{Confidence: 0.5}

	ua := strings.ToLower(d.UserAgent)
	for _, token := range headlessUATokens {
		if strings.Contains(ua, token) {
			res.Score = 1.0
			res.Confidence = 0.95
			res.flag("headless_user_agent")
			res.detail("framework", frameworkFromToken(token))
			return res, nil
		}
	}

	headerHit := false
	for _, h := range automationHeaders {
		if d.HasHeader(h) {
			headerHit = true
			res.flag("automation_header:" + h)
		}
	}
	if headerHit {
		res.Score = 0.95
		res.Confidence = 0.9
		res.detail("framework", frameworkFromHeaders(d))
		return res, nil
	}

	fp := d.Fingerprint
	if fp == nil {
		// Nothing client-side to inspect and the surface layers look
		// ordinary.
		return res, nil
	}
	res.Confidence = 0.85

	if hd := fp.HeadlessDetection; hd != nil && hd.IsHeadless {
		res.Score = 0.9
		res.Confidence = min(0.9, max(0.7, hd.Confidence))
		res.flag("client_headless_verdict")
		res.detail("framework", frameworkFromDetections(hd.Detections))
		for _, det := range hd.Detections {
			res.flag("probe:" + det)
		}
		return res, nil
	}

	// Soft corroboration: none of these alone proves automation, but
	// stacked together they describe a headless environment.
	soft := 0
	if hd := fp.HeadlessDetection; hd != nil {
		for _, det := range hd.Detections {
			l := strings.ToLower(det)
			if strings.Contains(l, "webdriver") || strings.Contains(l, "cdp") || strings.Contains(l, "devtools") {
				soft++
				res.flag("probe:" + det)
				break
			}
		}
	}
	if env := fp.Environment; env != nil && len(env.Plugins) == 0 && strings.Contains(strings.ToLower(d.Browser), "chrome") {
		// Real Chrome always exposes its built-in PDF plugins.
		soft++
		res.flag("no_browser_plugins")
	}
	if w := fp.WebGL; w != nil {
		renderer := strings.ToLower(w.Vendor + " " + w.Renderer)
		for _, token := range virtualGPUTokens {
			if strings.Contains(renderer, token) {
				soft++
				res.flag("virtual_gpu")
				break
			}
		}
	}
	if s := fp.Screen; s != nil {
		if _, ok := headlessScreenSizes[[2]int{s.Width, s.Height}]; ok && s.Width == s.AvailWidth && s.Height == s.AvailHeight {
			soft++
			res.flag("headless_screen")
		}
	}
	if env := fp.Environment; env != nil && utcClock(env) && singleDefaultLanguage(env.Languages) && len(env.Plugins) == 0 {
		soft++
		res.flag("automation_locale")
	}

	switch {
	case soft >= 3:
		res.Score = 0.8
		res.Confidence = 0.8
	case soft == 2:
		res.Score = 0.6
		res.Confidence = 0.7
	case soft == 1:
		res.Score = 0.3
		res.Confidence = 0.6
	}
	if soft > 0 {
		res.detail("framework", "browser")
	}
	return res, nil
}

func frameworkFromToken(token string) string {
	switch token {
	case "phantomjs":
		return "phantomjs"
	case "slimerjs":
		return "slimerjs"
	case "htmlunit":
		return "htmlunit"
	case "electron":
		return "electron"
	default:
		return "chrome"
	}
}

func frameworkFromHeaders(d *visitor.Descriptor) string {
	switch {
	case d.HasHeader("x-puppeteer"):
		return "puppeteer"
	case d.HasHeader("x-playwright"):
		return "playwright"
	case d.HasHeader("x-selenium"):
		return "selenium"
	case d.HasHeader("x-webdriver"), d.HasHeader("webdriver-active"):
		return "webdriver"
	case d.HasHeader("x-devtools-emulate-network-conditions-client-id"), d.HasHeader("x-chrome-connected"):
		return "chrome"
	default:
		return "browser"
	}
}

func frameworkFromDetections(detections []string) string {
	joined := strings.ToLower(strings.Join(detections, " "))
	switch {
	case strings.Contains(joined, "puppeteer"):
		return "puppeteer"
	case strings.Contains(joined, "playwright"):
		return "playwright"
	case strings.Contains(joined, "selenium"):
		return "selenium"
	case strings.Contains(joined, "phantom"):
		return "phantomjs"
	case strings.Contains(joined, "webdriver"):
		return "webdriver"
	default:
		return "browser"
	}
}
