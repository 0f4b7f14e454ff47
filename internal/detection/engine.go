package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/visitor"
)

// Verdict is the engine's classification of one visitor descriptor.
type Verdict struct {
	IsBot         bool                   `json:"isBot"`
	IsSuspicious  bool                   `json:"isSuspicious"`
	Score         float64                `json:"score"`
	Confidence    float64                `json:"confidence"`
	Kind          string                 `json:"kind,omitempty"`
	PrimaryReason string                 `json:"primaryReason"`
	Analyzer      string                 `json:"analyzer,omitempty"`
	Scores        map[string]float64     `json:"scores"`
	Flags         []string               `json:"flags,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	JA3Match      bool                   `json:"ja3Match,omitempty"`
	Degraded      bool                   `json:"degraded,omitempty"`
	TimedOut      bool                   `json:"timedOut,omitempty"`
	FromCache     bool                   `json:"-"`
}

// Engine fans the analyzer bank out over a descriptor, combines the
// results into one weighted score, and classifies against the bot and
// suspicious thresholds. Outcomes are cached in-process per visitor.
type Engine struct {
	analyzers []Analyzer
	weights   map[string]float64

	totalWeight         float64
	botThreshold        float64
	suspiciousThreshold float64
	primaryFloor        float64
	budget              time.Duration

	cache      *expirable.LRU[string, *Verdict]
	ja3Blocked map[string]struct{}

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewEngine(cfg config.DetectionConfig, analyzers []Analyzer, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	ja3 := make(map[string]struct{}, len(cfg.JA3Blocklist))
	for _, sig := range cfg.JA3Blocklist {
		ja3[sig] = struct{}{}
	}
	// Normalize by the weight actually present in the bank, not the
	// configured total, so the composite stays in [0,1] when weights are
	// overridden or an analyzer is left out of the bank.
	var total float64
	for _, a := range analyzers {
		total += cfg.Weights[a.Name()]
	}
	return &Engine{
		analyzers:           analyzers,
		weights:             cfg.Weights,
		totalWeight:         total,
		botThreshold:        cfg.BotThreshold,
		suspiciousThreshold: cfg.SuspiciousThreshold,
		primaryFloor:        cfg.PrimaryReasonFloor,
		budget:              time.Duration(cfg.RequestBudgetMs) * time.Millisecond,
		cache:               expirable.NewLRU[string, *Verdict](cfg.CacheSize, nil, time.Duration(cfg.CacheTTLMinutes)*time.Minute),
		ja3Blocked:          ja3,
		metrics:             m,
		logger:              logger.With().Str("component", "detection").Logger(),
	}
}

// Evaluate classifies the descriptor, consulting the outcome cache first.
// It always returns a verdict; degraded and timed-out evaluations are
// marked as such and never cached.
func (e *Engine) Evaluate(ctx context.Context, d *visitor.Descriptor) *Verdict {
	key := e.cacheKey(d)
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.RecordCache("detection", true)
		hit := *cached
		hit.FromCache = true
		return &hit
	}
	e.metrics.RecordCache("detection", false)

	v := e.evaluate(ctx, d)
	if !v.Degraded && !v.TimedOut {
		e.cache.Add(key, v)
	}
	return v
}

type analyzed struct {
	idx int
	res *Result
	err error
}

func (e *Engine) evaluate(ctx context.Context, d *visitor.Descriptor) *Verdict {
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	out := make(chan analyzed, len(e.analyzers))
	for i, a := range e.analyzers {
		go func(i int, a Analyzer) {
			defer func() {
				if r := recover(); r != nil {
					out <- analyzed{idx: i, err: fmt.Errorf("analyzer panic: %v", r)}
				}
			}()
			res, err := a.Analyze(ctx, d)
			out <- analyzed{idx: i, res: res, err: err}
		}(i, a)
	}

	results := make(map[string]*Result, len(e.analyzers))
	failed := make(map[string]bool)
	timedOut := false

collect:
	for range e.analyzers {
		select {
		case got := <-out:
			name := e.analyzers[got.idx].Name()
			if got.err != nil || got.res == nil {
				failed[name] = true
				e.metrics.AnalyzerFailures.WithLabelValues(name).Inc()
				e.logger.Warn().Str("analyzer", name).Err(got.err).Msg("analyzer failed")
				continue
			}
			results[name] = got.res
		case <-ctx.Done():
			timedOut = true
			break collect
		}
	}
	// Analyzers that missed the deadline count as failed.
	for _, a := range e.analyzers {
		name := a.Name()
		if _, ok := results[name]; !ok && !failed[name] {
			failed[name] = true
			e.metrics.AnalyzerFailures.WithLabelValues(name).Inc()
		}
	}

	return e.compose(d, results, failed, timedOut)
}

func (e *Engine) compose(d *visitor.Descriptor, results map[string]*Result, failed map[string]bool, timedOut bool) *Verdict {
	v := &Verdict{
		Scores:   make(map[string]float64, len(results)),
		Details:  make(map[string]interface{}),
		TimedOut: timedOut,
	}

	// Failed analyzers contribute score 0 and confidence 0 against the
	// full weight sum, which biases partial evaluations toward human.
	var weightedScore, weightedConf float64
	for name, res := range results {
		w := e.weights[name]
		weightedScore += w * res.Score
		weightedConf += w * res.Confidence
		v.Scores[name] = res.Score
		for _, f := range res.Flags {
			v.Flags = append(v.Flags, name+":"+f)
		}
		for k, val := range res.Details {
			v.Details[name+"."+k] = val
		}
	}
	for name := range failed {
		v.Scores[name] = 0
		v.Flags = append(v.Flags, "analyzer_failed:"+name)
	}
	sort.Strings(v.Flags)

	total := e.totalWeight
	if total <= 0 {
		total = 1
	}
	score := weightedScore / total
	v.Confidence = weightedConf / total

	// A single high-scoring analyzer is decisive on its own. Without this
	// a lone hard signal, SwiftShader rendering for instance, would drown
	// in the low scores of the surfaces the bot got right.
	for _, res := range results {
		if res.Score >= e.primaryFloor && res.Confidence >= 0.6 && res.Score > score {
			score = res.Score
		}
	}

	if d.Fingerprint != nil && d.Fingerprint.JA3 != "" {
		if _, blocked := e.ja3Blocked[d.Fingerprint.JA3]; blocked {
			v.JA3Match = true
			v.Flags = append(v.Flags, "ja3:blocklisted_signature")
			if score < 0.9 {
				score = 0.9
			}
		}
	}
	v.Score = score

	if timedOut {
		v.Flags = append(v.Flags, "detection_timed_out")
	}
	if len(failed) >= 3 {
		v.Degraded = true
		v.IsBot = false
		v.IsSuspicious = false
		v.PrimaryReason = "detection_degraded"
		v.Confidence = 0.3
		v.Flags = append(v.Flags, "detection_degraded")
		e.metrics.DetectionDegraded.Inc()
		e.logger.Error().Int("failed", len(failed)).Str("ip", d.IP).Msg("detection degraded, too many analyzer failures")
		return v
	}

	v.IsBot = score >= e.botThreshold
	v.IsSuspicious = !v.IsBot && score >= e.suspiciousThreshold

	primary := e.primaryAnalyzer(results)
	if primary != "" {
		v.Analyzer = primary
		v.PrimaryReason = reasonFor(primary, results[primary])
		v.Kind = kindFor(primary, results[primary])
		v.Confidence = results[primary].Confidence
	} else {
		switch {
		case v.JA3Match:
			v.PrimaryReason = "ja3_signature_match"
			v.Kind = "known_bot_signature"
		case v.IsBot:
			v.PrimaryReason = "unknown_bot"
			v.Kind = "unknown_bot"
		case v.IsSuspicious:
			v.PrimaryReason = "suspicious"
			v.Kind = "suspicious"
		default:
			v.PrimaryReason = "human"
		}
	}
	return v
}

// primaryAnalyzer picks the analyzer that names the verdict: headless
// when it cleared the floor, otherwise the highest scorer above the
// floor, with a fixed order so identical descriptors always agree.
func (e *Engine) primaryAnalyzer(results map[string]*Result) string {
	if res, ok := results[AnalyzerHeadless]; ok && res.Score >= e.primaryFloor {
		return AnalyzerHeadless
	}
	best := ""
	bestScore := 0.0
	for _, name := range tieBreakOrder {
		res, ok := results[name]
		if !ok || res.Score < e.primaryFloor {
			continue
		}
		if res.Score > bestScore {
			best = name
			bestScore = res.Score
		}
	}
	return best
}

func reasonFor(name string, res *Result) string {
	switch name {
	case AnalyzerHeadless:
		framework, _ := res.Details["framework"].(string)
		if framework == "" {
			framework = "browser"
		}
		return "headless_" + framework
	case AnalyzerUserAgent:
		return "bot_user_agent"
	case AnalyzerNetwork:
		for _, f := range []string{"tor_exit_node", "private_ip_address", "datacenter_ip_range", "threat_intel_flagged"} {
			for _, have := range res.Flags {
				if have == f {
					return f
				}
			}
		}
		return "suspicious_network"
	case AnalyzerFingerprint:
		return "suspicious_fingerprint"
	case AnalyzerHeaders:
		return "suspicious_headers"
	case AnalyzerBehavior:
		return "automated_behavior"
	}
	return name
}

func kindFor(name string, res *Result) string {
	switch name {
	case AnalyzerHeadless:
		return "headless"
	case AnalyzerUserAgent:
		return "bot_user_agent"
	case AnalyzerNetwork:
		for _, have := range res.Flags {
			switch have {
			case "tor_exit_node":
				return "tor_exit"
			case "datacenter_ip_range":
				return "datacenter"
			}
		}
		return "suspicious_network"
	case AnalyzerFingerprint:
		return "suspicious_fingerprint"
	case AnalyzerHeaders:
		return "suspicious_headers"
	case AnalyzerBehavior:
		return "automated_behavior"
	}
	return "unknown_bot"
}

// Bank assembles the six production analyzers. threats, tor, and
// datacenters may be nil when the corresponding feed is not configured.
func Bank(cfg config.DetectionConfig, threatWeight float64, threats ThreatChecker, tor *TorList, datacenters *DatacenterIndex) []Analyzer {
	return []Analyzer{
		NewUserAgentAnalyzer(cfg.MinBrowserVersions),
		NewHeadersAnalyzer(),
		NewNetworkAnalyzer(threats, tor, datacenters, threatWeight),
		NewFingerprintAnalyzer(),
		NewHeadlessAnalyzer(),
		NewBehaviorAnalyzer(),
	}
}

// cacheKey identifies a visitor by address, user agent, and fingerprint.
func (e *Engine) cacheKey(d *visitor.Descriptor) string {
	sum := sha256.Sum256([]byte(d.UserAgent))
	fph := d.FingerprintHash
	if fph == "" {
		fph = "nofp"
	}
	return d.IP + "|" + hex.EncodeToString(sum[:])[:16] + "|" + fph
}
