package detection

import (
	"context"
	"strings"

	"github.com/cloakroute/edge/internal/visitor"
)

// suspiciousHeaderWeights scores proxy and automation markers by how
// strongly they indicate non-browser traffic.
var suspiciousHeaderWeights = map[string]float64{
	"x-forwarded-for":    1.5,
	"x-real-ip":          1.5,
	"x-originating-ip":   1.5,
	"x-forwarded-host":   1.5,
	"via":                1.5,
	"forwarded":          1.5,
	"x-proxy-connection": 2.0,
	"x-automation":       3.0,
	"x-bot":              3.0,
	"x-crawler":          3.0,
	"x-debug":            1.0,
	"x-test":             1.0,
}

// inconsistencyWeight is what a browser mismatch between the user agent and
// x-requested-with adds to the suspicious sum.
const inconsistencyWeight = 1.5

var maxSuspiciousSum = func() float64 {
	var sum float64
	for _, w := range suspiciousHeaderWeights {
		sum += w
	}
	return sum
}()

// baselineHeaders are what every real browser sends.
var baselineHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent"}

var browserTokens = []string{"chrome", "firefox", "safari", "edge", "opera"}

// HeadersAnalyzer scores the retained request headers.
type HeadersAnalyzer struct{}

func NewHeadersAnalyzer() *HeadersAnalyzer { return &HeadersAnalyzer{} }

func (a *HeadersAnalyzer) Name() string { return AnalyzerHeaders }

func (a *HeadersAnalyzer) Analyze(_ context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{Confidence: 0.6}

	var suspiciousSum float64
	for name, weight := range suspiciousHeaderWeights {
		if d.HasHeader(name) {
			suspiciousSum += weight
			res.flag("suspicious_header:" + name)
		}
	}

	if inconsistentRequestedWith(d) {
		suspiciousSum += inconsistencyWeight
		res.flag("browser_inconsistency")
	}

	missing := 0
	for _, name := range baselineHeaders {
		present := d.HasHeader(name)
		if name == "user-agent" {
			present = d.UserAgent != ""
		}
		if !present {
			missing++
			res.flag("missing_header:" + name)
		}
	}
	missingFraction := float64(missing) / float64(len(baselineHeaders))

	res.Score = suspiciousSum/(maxSuspiciousSum+inconsistencyWeight)*0.7 + missingFraction*0.3
	if res.Score > 1 {
		res.Score = 1
	}
	if len(res.Flags) > 0 {
		res.Confidence = 0.8
	}
	res.detail("suspicious_sum", suspiciousSum)
	res.detail("missing_baseline", missing)
	return res, nil
}

// inconsistentRequestedWith reports an x-requested-with value naming a
// different browser than the user agent parsed to.
func inconsistentRequestedWith(d *visitor.Descriptor) bool {
	xrw := strings.ToLower(d.Header("x-requested-with"))
	if xrw == "" || d.Browser == "" {
		return false
	}
	browser := strings.ToLower(d.Browser)
	for _, token := range browserTokens {
		if strings.Contains(xrw, token) && !strings.Contains(browser, token) {
			return true
		}
	}
	return false
}
