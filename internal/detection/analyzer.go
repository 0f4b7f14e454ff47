// Package detection classifies visitors as human, suspicious or bot. Six
// analyzers inspect the descriptor in parallel and the engine folds their
// scores into one outcome with a primary reason.
package detection

import (
	"context"

	"github.com/cloakroute/edge/internal/visitor"
)

// Analyzer names. They double as the weight keys in configuration and as
// the prefix on composed flags.
const (
	AnalyzerUserAgent   = "user_agent"
	AnalyzerHeaders     = "headers"
	AnalyzerNetwork     = "network"
	AnalyzerFingerprint = "fingerprint"
	AnalyzerHeadless    = "headless"
	AnalyzerBehavior    = "behavior"
)

// tieBreakOrder fixes which analyzer names the primary reason when scores
// tie, so identical descriptors always classify identically.
var tieBreakOrder = []string{
	AnalyzerHeadless,
	AnalyzerUserAgent,
	AnalyzerNetwork,
	AnalyzerFingerprint,
	AnalyzerHeaders,
	AnalyzerBehavior,
}

// Result is one analyzer's verdict. Score and Confidence are in [0,1];
// Flags are short tokens naming what triggered.
type Result struct {
	Score      float64
	Confidence float64
	Flags      []string
	Details    map[string]interface{}
}

func (r *Result) flag(token string) {
	r.Flags = append(r.Flags, token)
}

func (r *Result) detail(key string, value interface{}) {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
}

// Analyzer scores one aspect of a visitor descriptor. Implementations must
// be safe for concurrent use and, except for the network analyzer's
// reputation lookup, must not perform I/O.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, d *visitor.Descriptor) (*Result, error)
}
