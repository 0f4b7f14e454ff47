package decision

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/detection"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/traffic"
	"github.com/cloakroute/edge/internal/visitor"
)

// CampaignResolver resolves a slug to its campaign.
type CampaignResolver interface {
	Resolve(ctx context.Context, slug string) (*campaign.Campaign, error)
}

// StreamSelector picks the weighted stream for a visitor, or nil.
type StreamSelector interface {
	Select(ctx context.Context, c *campaign.Campaign, d *visitor.Descriptor) (*campaign.Stream, error)
}

// BlacklistChecker answers whether an IP is currently forbidden.
type BlacklistChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, string)
}

// Detector evaluates a descriptor against the analyzer bank.
type Detector interface {
	Evaluate(ctx context.Context, d *visitor.Descriptor) *detection.Verdict
}

// Recorder is the asynchronous visit log.
type Recorder interface {
	Enqueue(rec *traffic.Record) bool
	EnqueueMetric(pt *traffic.MetricPoint) bool
}

// Outcome bundles the decision with the detection material behind it. The
// verdict is nil when the decision came from the cache.
type Outcome struct {
	Decision        *Decision
	Verdict         *detection.Verdict
	Blacklisted     bool
	BlacklistReason string
	FromCache       bool
}

// Block reports whether this outcome turns the visitor away from the money
// page for cause, as opposed to routing a human.
func (o *Outcome) Block() bool {
	if o.Blacklisted {
		return true
	}
	if o.Verdict == nil {
		return false
	}
	if o.Verdict.IsBot {
		return true
	}
	_, threat := threatBlock(o.Verdict)
	return threat
}

// IsThreat reports whether threat intel flagged the address.
func (o *Outcome) IsThreat() bool {
	_, threat := threatBlock(o.Verdict)
	return threat
}

// ThreatScore returns the raw 0-100 provider score, 0 when none answered.
func (o *Outcome) ThreatScore() float64 {
	if o.Verdict == nil {
		return 0
	}
	if s, ok := o.Verdict.Details["network.threat_score"].(float64); ok {
		return s
	}
	return 0
}

// FingerprintScore returns the fingerprint analyzer's score.
func (o *Outcome) FingerprintScore() float64 {
	if o.Verdict == nil {
		return 0
	}
	return o.Verdict.Scores[detection.AnalyzerFingerprint]
}

// Params collects the service dependencies and tuning.
type Params struct {
	Campaigns CampaignResolver
	Streams   StreamSelector
	Blacklist BlacklistChecker
	Engine    Detector
	Cache     *Cache
	Composer  *Composer
	Sink      Recorder
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	Budget           time.Duration
	BotThreshold     float64
	DetectionEnabled bool
}

// Service drives the pipeline for both the public slug endpoint and the
// programmatic detection surface.
type Service struct {
	campaigns CampaignResolver
	streams   StreamSelector
	blacklist BlacklistChecker
	engine    Detector
	cache     *Cache
	composer  *Composer
	sink      Recorder
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	budget       time.Duration
	botThreshold float64
	enabled      bool

	group singleflight.Group
}

// NewService wires the pipeline.
func NewService(p Params) *Service {
	budget := p.Budget
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	return &Service{
		campaigns:    p.Campaigns,
		streams:      p.Streams,
		blacklist:    p.Blacklist,
		engine:       p.Engine,
		cache:        p.Cache,
		composer:     p.Composer,
		sink:         p.Sink,
		metrics:      p.Metrics,
		logger:       p.Logger,
		budget:       budget,
		botThreshold: p.BotThreshold,
		enabled:      p.DetectionEnabled,
	}
}

// Decide classifies one visit to a campaign slug and returns the routing
// decision. It never fails: unknown slugs, store outages, and detection
// trouble all collapse into a safe fallback.
func (s *Service) Decide(ctx context.Context, slug string, d *visitor.Descriptor) *Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	cmp, err := s.campaigns.Resolve(ctx, slug)
	if err != nil {
		dec := s.composer.NotFound()
		dec.ElapsedMicros = time.Since(start).Microseconds()
		s.metrics.RecordDecision(dec.Page, dec.Reason, dec.BotScore)
		return &Outcome{Decision: dec}
	}

	key := Key(cmp.ID, cmp.Version(), d.FingerprintHash)
	if cached := s.cache.Get(ctx, key); cached != nil {
		cached.ElapsedMicros = time.Since(start).Microseconds()
		out := &Outcome{Decision: cached, FromCache: true}
		s.finish(d, out, start)
		return out
	}

	// Concurrent misses for the same visitor and campaign compute once and
	// share the outcome.
	shared, _, _ := s.group.Do(key, func() (interface{}, error) {
		return s.compute(ctx, cmp, key, d), nil
	})
	won := shared.(*Outcome)

	dec := *won.Decision
	dec.ElapsedMicros = time.Since(start).Microseconds()
	out := &Outcome{
		Decision:        &dec,
		Verdict:         won.Verdict,
		Blacklisted:     won.Blacklisted,
		BlacklistReason: won.BlacklistReason,
	}
	s.finish(d, out, start)
	return out
}

// compute runs C3 through C9 for one cache miss.
func (s *Service) compute(ctx context.Context, cmp *campaign.Campaign, key string, d *visitor.Descriptor) *Outcome {
	if blocked, reason := s.blacklist.IsBlocked(ctx, d.IP); blocked {
		dec := s.composer.Blocked(cmp, reason, 0)
		s.cache.Put(ctx, key, dec)
		return &Outcome{Decision: dec, Blacklisted: true, BlacklistReason: reason}
	}

	verdict := s.detect(ctx, d)

	if reason, flagged := threatBlock(verdict); flagged {
		dec := s.composer.Blocked(cmp, reason, verdict.Score)
		s.cache.Put(ctx, key, dec)
		return &Outcome{Decision: dec, Verdict: verdict}
	}

	stream, err := s.streams.Select(ctx, cmp, d)
	if err != nil {
		// Selection trouble falls through to the campaign's base URLs.
		s.logger.Warn().Err(err).Int64("campaign", cmp.ID).Msg("stream selection failed")
		stream = nil
	}

	dec := s.composer.Route(cmp, stream, verdict)
	if !verdict.Degraded && !verdict.TimedOut {
		s.cache.Put(ctx, key, dec)
	}
	return &Outcome{Decision: dec, Verdict: verdict}
}

// Inspect runs the detection stack for the programmatic surface. The
// decision cache is bypassed so the caller always gets live detail; the
// engine's own verdict cache keeps repeat lookups cheap. No traffic is
// recorded. Slug may be empty, in which case routing is skipped.
func (s *Service) Inspect(ctx context.Context, slug string, d *visitor.Descriptor) *Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	blocked, blockReason := s.blacklist.IsBlocked(ctx, d.IP)
	verdict := s.detect(ctx, d)
	out := &Outcome{Verdict: verdict, Blacklisted: blocked, BlacklistReason: blockReason}

	var cmp *campaign.Campaign
	if slug != "" {
		resolved, err := s.campaigns.Resolve(ctx, slug)
		if err == nil {
			cmp = resolved
		}
	}

	threatReason, threatFlagged := threatBlock(verdict)
	switch {
	case blocked:
		out.Decision = s.composer.Blocked(cmp, blockReason, verdict.Score)
	case threatFlagged:
		out.Decision = s.composer.Blocked(cmp, threatReason, verdict.Score)
	case cmp != nil:
		stream, err := s.streams.Select(ctx, cmp, d)
		if err != nil {
			stream = nil
		}
		out.Decision = s.composer.Route(cmp, stream, verdict)
	default:
		out.Decision = &Decision{
			Page:     PageMoney,
			Reason:   verdict.PrimaryReason,
			BotScore: verdict.Score,
		}
		if verdict.IsBot {
			out.Decision.Page = PageSafe
		}
	}
	out.Decision.ElapsedMicros = time.Since(start).Microseconds()
	return out
}

func (s *Service) detect(ctx context.Context, d *visitor.Descriptor) *detection.Verdict {
	if !s.enabled {
		return &detection.Verdict{
			PrimaryReason: "detection_disabled",
			Scores:        map[string]float64{},
		}
	}
	return s.engine.Evaluate(ctx, d)
}

// finish tallies the decision and hands the visit to the sink. Runs once
// per request, cache hits included.
func (s *Service) finish(d *visitor.Descriptor, out *Outcome, start time.Time) {
	dec := out.Decision
	s.metrics.RecordDecision(dec.Page, dec.Reason, dec.BotScore)

	isBot := dec.BotScore >= s.botThreshold
	if out.Verdict != nil {
		isBot = out.Verdict.IsBot
	}

	rec := &traffic.Record{
		CampaignID:     dec.CampaignID,
		StreamID:       dec.StreamID,
		VisitorID:      d.FingerprintHash,
		IP:             d.IP,
		UserAgent:      d.UserAgent,
		Referer:        d.Referrer,
		DeviceType:     d.DeviceType,
		Browser:        d.Browser,
		OS:             d.OS,
		IsBot:          isBot,
		BotScore:       dec.BotScore,
		Decision:       dec.Page,
		PageShown:      dec.Page,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if d.Geo != nil {
		rec.Country = d.Geo.Country
		rec.City = d.Geo.City
	}
	rec.Stamp()
	s.sink.Enqueue(rec)
	s.sink.EnqueueMetric(traffic.PageView(rec))
}

// threatBlock reports whether the verdict carries a threat-intel block and
// with what reason.
func threatBlock(v *detection.Verdict) (string, bool) {
	if v == nil {
		return "", false
	}
	flagged := false
	for _, f := range v.Flags {
		if f == "network:threat_intel_flagged" {
			flagged = true
			break
		}
	}
	if !flagged {
		return "", false
	}
	if reason, ok := v.Details["network.threat_reason"].(string); ok && reason != "" {
		return reason, true
	}
	return "threat_intel_flagged", true
}
