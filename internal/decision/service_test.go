package decision

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/detection"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/traffic"
	"github.com/cloakroute/edge/internal/visitor"
)

type fakeResolver struct {
	cmp   *campaign.Campaign
	err   error
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*campaign.Campaign, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.cmp, nil
}

type fakeSelector struct {
	stream *campaign.Stream
	err    error
	calls  atomic.Int32
}

func (f *fakeSelector) Select(_ context.Context, _ *campaign.Campaign, _ *visitor.Descriptor) (*campaign.Stream, error) {
	f.calls.Add(1)
	return f.stream, f.err
}

type fakeBlacklist struct {
	blocked bool
	reason  string
}

func (f *fakeBlacklist) IsBlocked(_ context.Context, _ string) (bool, string) {
	return f.blocked, f.reason
}

type fakeDetector struct {
	verdict *detection.Verdict
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeDetector) Evaluate(_ context.Context, _ *visitor.Descriptor) *detection.Verdict {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.verdict
}

type fakeSink struct {
	mu      sync.Mutex
	records []*traffic.Record
	points  []*traffic.MetricPoint
}

func (f *fakeSink) Enqueue(rec *traffic.Record) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return true
}

func (f *fakeSink) EnqueueMetric(pt *traffic.MetricPoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, pt)
	return true
}

func (f *fakeSink) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeSink) lastRecord() *traffic.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

type serviceDeps struct {
	resolver  *fakeResolver
	selector  *fakeSelector
	blacklist *fakeBlacklist
	detector  *fakeDetector
	sink      *fakeSink
	kv        *fakeKV
	disabled  bool
}

func newTestService(mutate func(*serviceDeps)) (*Service, *serviceDeps) {
	deps := &serviceDeps{
		resolver:  &fakeResolver{cmp: activeCampaign()},
		selector:  &fakeSelector{},
		blacklist: &fakeBlacklist{},
		detector:  &fakeDetector{verdict: humanVerdict()},
		sink:      &fakeSink{},
		kv:        newFakeKV(),
	}
	if mutate != nil {
		mutate(deps)
	}

	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(Params{
		Campaigns:        deps.resolver,
		Streams:          deps.selector,
		Blacklist:        deps.blacklist,
		Engine:           deps.detector,
		Cache:            NewCache(deps.kv, 5*time.Minute, m, zerolog.Nop()),
		Composer:         NewComposer(config.DecisionConfig{}),
		Sink:             deps.sink,
		Metrics:          m,
		Logger:           zerolog.Nop(),
		BotThreshold:     0.7,
		DetectionEnabled: !deps.disabled,
	})
	return svc, deps
}

func testVisitor() *visitor.Descriptor {
	return &visitor.Descriptor{
		IP:              "203.0.113.5",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0",
		Browser:         "Chrome",
		OS:              "Windows",
		DeviceType:      "desktop",
		Referrer:        "https://news.example/article",
		FingerprintHash: "aabbccddeeff0011",
		Geo:             &visitor.Geo{Country: "US", City: "Austin"},
	}
}

func TestDecideHumanGoesToMoney(t *testing.T) {
	svc, deps := newTestService(nil)

	out := svc.Decide(context.Background(), "promo-1", testVisitor())

	require.NotNil(t, out.Decision)
	assert.Equal(t, PageMoney, out.Decision.Page)
	assert.Equal(t, "https://m.example/a", out.Decision.RedirectURL)
	assert.Equal(t, "302", out.Decision.RedirectKind)
	assert.Equal(t, "human", out.Decision.Reason)
	assert.False(t, out.FromCache)

	// One record and one point per request, and the decision was cached.
	assert.Equal(t, 1, deps.sink.recordCount())
	rec := deps.sink.lastRecord()
	assert.Equal(t, PageMoney, rec.Decision)
	assert.Equal(t, PageMoney, rec.PageShown)
	assert.False(t, rec.IsBot)
	assert.Equal(t, "US", rec.Country)
	assert.Equal(t, "aabbccddeeff0011", rec.VisitorID)
	assert.Equal(t, 1, deps.kv.size())
}

func TestDecideBotGoesToSafe(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		d.detector.verdict = botVerdict()
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())

	assert.Equal(t, PageSafe, out.Decision.Page)
	assert.Equal(t, "https://s.example/a", out.Decision.RedirectURL)
	assert.Equal(t, "headless_puppeteer", out.Decision.Reason)
	assert.True(t, out.Block())
	assert.True(t, deps.sink.lastRecord().IsBot)
}

func TestDecideBlacklistedShortCircuits(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		d.blacklist.blocked = true
		d.blacklist.reason = "manual block"
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())

	assert.Equal(t, PageSafe, out.Decision.Page)
	assert.Equal(t, "/404", out.Decision.RedirectURL)
	assert.Equal(t, "302", out.Decision.RedirectKind)
	assert.Equal(t, "manual block", out.Decision.Reason)
	assert.True(t, out.Blacklisted)
	assert.True(t, out.Block())

	// The analyzer bank and the selector never ran.
	assert.Equal(t, int32(0), deps.detector.calls.Load())
	assert.Equal(t, int32(0), deps.selector.calls.Load())
}

func TestDecideThreatFlaggedBlocks(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		v := humanVerdict()
		v.Score = 0.3
		v.Flags = []string{"network:threat_intel_flagged"}
		v.Details = map[string]interface{}{
			"network.threat_reason": "malicious_ip_reputation",
			"network.threat_score":  float64(85),
		}
		d.detector.verdict = v
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())

	assert.Equal(t, PageSafe, out.Decision.Page)
	assert.Equal(t, "/404", out.Decision.RedirectURL)
	assert.Equal(t, "malicious_ip_reputation", out.Decision.Reason)
	assert.True(t, out.IsThreat())
	assert.Equal(t, float64(85), out.ThreatScore())
	assert.Equal(t, int32(0), deps.selector.calls.Load())
}

func TestDecideUnknownSlugFallsBack(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		d.resolver.err = campaign.ErrNotFound
	})

	out := svc.Decide(context.Background(), "nonexistent", testVisitor())

	assert.Equal(t, PageSafe, out.Decision.Page)
	assert.Equal(t, "/404", out.Decision.RedirectURL)
	assert.Equal(t, "302", out.Decision.RedirectKind)
	assert.Equal(t, "Campaign not found", out.Decision.Reason)

	// Nothing to attribute the visit to.
	assert.Equal(t, 0, deps.sink.recordCount())
}

func TestDecideServesFromCache(t *testing.T) {
	svc, deps := newTestService(nil)

	first := svc.Decide(context.Background(), "promo-1", testVisitor())
	second := svc.Decide(context.Background(), "promo-1", testVisitor())

	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), deps.detector.calls.Load())

	// Cached agreement on the routing fields.
	assert.Equal(t, first.Decision.Page, second.Decision.Page)
	assert.Equal(t, first.Decision.RedirectURL, second.Decision.RedirectURL)
	assert.Equal(t, first.Decision.RedirectKind, second.Decision.RedirectKind)

	// Cache hits still log traffic.
	assert.Equal(t, 2, deps.sink.recordCount())
}

func TestDecideDegradedVerdictNotCached(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		v := humanVerdict()
		v.Degraded = true
		v.PrimaryReason = "detection_degraded"
		d.detector.verdict = v
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())
	assert.Equal(t, PageMoney, out.Decision.Page)
	assert.Equal(t, 0, deps.kv.size())

	svc.Decide(context.Background(), "promo-1", testVisitor())
	assert.Equal(t, int32(2), deps.detector.calls.Load())
}

func TestDecideSelectorFailureFallsBackToCampaignURLs(t *testing.T) {
	svc, _ := newTestService(func(d *serviceDeps) {
		d.selector.err = context.DeadlineExceeded
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())
	assert.Equal(t, PageMoney, out.Decision.Page)
	assert.Equal(t, "https://m.example/a", out.Decision.RedirectURL)
	assert.Nil(t, out.Decision.StreamID)
}

func TestDecideStreamOverrideWins(t *testing.T) {
	svc, _ := newTestService(func(d *serviceDeps) {
		d.selector.stream = &campaign.Stream{ID: 11, MoneyURL: "https://m.example/us"}
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())
	assert.Equal(t, "https://m.example/us", out.Decision.RedirectURL)
	require.NotNil(t, out.Decision.StreamID)
	assert.Equal(t, int64(11), *out.Decision.StreamID)
}

func TestDecideParallelMissesAgree(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		d.detector.delay = 20 * time.Millisecond
	})

	var wg sync.WaitGroup
	outs := make([]*Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = svc.Decide(context.Background(), "promo-1", testVisitor())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, outs[0].Decision.Page, outs[1].Decision.Page)
	assert.Equal(t, outs[0].Decision.RedirectURL, outs[1].Decision.RedirectURL)

	// Either the flight was shared or both computed; never more.
	calls := deps.detector.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(2))

	// Each request logs its own visit.
	assert.Equal(t, 2, deps.sink.recordCount())
}

func TestDecideDetectionDisabled(t *testing.T) {
	svc, deps := newTestService(func(d *serviceDeps) {
		d.disabled = true
	})

	out := svc.Decide(context.Background(), "promo-1", testVisitor())

	assert.Equal(t, PageMoney, out.Decision.Page)
	assert.Equal(t, "detection_disabled", out.Decision.Reason)
	assert.Equal(t, int32(0), deps.detector.calls.Load())
}

func TestInspectWithoutCampaign(t *testing.T) {
	svc, deps := newTestService(nil)

	out := svc.Inspect(context.Background(), "", testVisitor())

	assert.Equal(t, PageMoney, out.Decision.Page)
	assert.Empty(t, out.Decision.RedirectURL)
	assert.False(t, out.Block())
	assert.Equal(t, int32(0), deps.resolver.calls.Load())

	// The programmatic surface never logs page views.
	assert.Equal(t, 0, deps.sink.recordCount())
}

func TestInspectBotWithCampaign(t *testing.T) {
	svc, _ := newTestService(func(d *serviceDeps) {
		d.detector.verdict = botVerdict()
	})

	out := svc.Inspect(context.Background(), "promo-1", testVisitor())

	assert.True(t, out.Block())
	assert.Equal(t, PageSafe, out.Decision.Page)
	assert.Equal(t, "https://s.example/a", out.Decision.RedirectURL)
	assert.Zero(t, out.FingerprintScore())
}

func TestInspectBlacklisted(t *testing.T) {
	svc, _ := newTestService(func(d *serviceDeps) {
		d.blacklist.blocked = true
		d.blacklist.reason = "abuse_report"
	})

	out := svc.Inspect(context.Background(), "", testVisitor())

	assert.True(t, out.Blacklisted)
	assert.True(t, out.Block())
	assert.Equal(t, "abuse_report", out.Decision.Reason)
	assert.Equal(t, "/404", out.Decision.RedirectURL)
	assert.Zero(t, out.Decision.CampaignID)
}

func TestInspectBypassesDecisionCache(t *testing.T) {
	svc, deps := newTestService(nil)

	svc.Decide(context.Background(), "promo-1", testVisitor())
	require.Equal(t, 1, deps.kv.size())

	out := svc.Inspect(context.Background(), "promo-1", testVisitor())
	require.NotNil(t, out.Verdict)
	assert.Equal(t, int32(2), deps.detector.calls.Load())
}
