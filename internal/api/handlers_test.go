package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/decision"
	"github.com/cloakroute/edge/internal/detection"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/visitor"
)

type fakeDecider struct {
	outcome *decision.Outcome
	lastFP  *visitor.Fingerprint
	slug    string
	panics  bool
}

func (f *fakeDecider) Decide(_ context.Context, slug string, d *visitor.Descriptor) *decision.Outcome {
	if f.panics {
		panic("boom")
	}
	f.slug = slug
	f.lastFP = d.Fingerprint
	return f.outcome
}

func (f *fakeDecider) Inspect(_ context.Context, slug string, d *visitor.Descriptor) *decision.Outcome {
	f.slug = slug
	f.lastFP = d.Fingerprint
	return f.outcome
}

func newTestServer(t *testing.T, dec *fakeDecider) *Server {
	t.Helper()
	ex, err := visitor.NewExtractor(visitor.NewUAParser(), nil, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	return NewServer(
		config.ServerConfig{ListenAddr: ":0"},
		dec,
		ex,
		nil, nil,
		reg,
		metrics.New(reg),
		zerolog.Nop(),
	)
}

func moneyOutcome() *decision.Outcome {
	return &decision.Outcome{
		Decision: &decision.Decision{
			Page:         decision.PageMoney,
			CampaignID:   1,
			RedirectURL:  "https://m.example/a",
			RedirectKind: campaign.RedirectFound,
			Reason:       "human",
		},
		Verdict: &detection.Verdict{
			PrimaryReason: "human",
			Scores:        map[string]float64{},
		},
	}
}

func TestHandleSlugGET(t *testing.T) {
	dec := &fakeDecider{outcome: moneyOutcome()}
	srv := newTestServer(t, dec)

	req := httptest.NewRequest(http.MethodGet, "/promo-1", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://m.example/a", rr.Header().Get("Location"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "promo-1", dec.slug)
	assert.Nil(t, dec.lastFP)
}

func TestHandleSlugPOSTCarriesFingerprint(t *testing.T) {
	dec := &fakeDecider{outcome: moneyOutcome()}
	srv := newTestServer(t, dec)

	body := `{"fingerprint":{"canvas":{"hash":"abc"},"environment":{"timezone":"UTC"}}}`
	req := httptest.NewRequest(http.MethodPost, "/promo-1", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	require.NotNil(t, dec.lastFP)
	require.NotNil(t, dec.lastFP.Canvas)
	assert.Equal(t, "abc", dec.lastFP.Canvas.Hash)
}

func TestHandleSlugMalformedFingerprintIsAbsent(t *testing.T) {
	dec := &fakeDecider{outcome: moneyOutcome()}
	srv := newTestServer(t, dec)

	req := httptest.NewRequest(http.MethodPost, "/promo-1", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	// A broken body never rejects the visit.
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Nil(t, dec.lastFP)
}

func TestHandleSlugOptionsPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeDecider{outcome: moneyOutcome()})

	req := httptest.NewRequest(http.MethodOptions, "/promo-1", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rr.Header().Get("Access-Control-Allow-Headers"))
}

func TestHandleSlugPanicStillRedirects(t *testing.T) {
	srv := newTestServer(t, &fakeDecider{panics: true})

	req := httptest.NewRequest(http.MethodGet, "/promo-1", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/404", rr.Header().Get("Location"))
}

func TestHandleDetectBlock(t *testing.T) {
	out := &decision.Outcome{
		Decision: &decision.Decision{
			Page:         decision.PageSafe,
			RedirectURL:  "https://s.example/a",
			RedirectKind: campaign.RedirectFound,
			Reason:       "headless_browser",
			BotScore:     0.92,
		},
		Verdict: &detection.Verdict{
			IsBot:         true,
			Score:         0.92,
			Confidence:    0.95,
			PrimaryReason: "headless_browser",
			Scores:        map[string]float64{detection.AnalyzerFingerprint: 0.85},
		},
	}
	dec := &fakeDecider{outcome: out}
	srv := newTestServer(t, dec)

	body := `{"url":"https://pub.example/promo-1","campaignId":"promo-1","headers":{"User-Agent":"HeadlessChrome","X-Forwarded-For":"198.51.100.7"}}`
	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp detectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "block", resp.Decision)
	assert.Equal(t, "headless_browser", resp.Reason)
	assert.Equal(t, 0.95, resp.Confidence)
	assert.True(t, resp.Details.IsBot)
	assert.Equal(t, 0.85, resp.Details.FingerprintScore)
	assert.Equal(t, "promo-1", dec.slug)
}

func TestHandleDetectPass(t *testing.T) {
	srv := newTestServer(t, &fakeDecider{outcome: moneyOutcome()})

	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(`{"url":"x","headers":{}}`))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp detectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "pass", resp.Decision)
	assert.False(t, resp.Details.IsBot)
}

func TestHandleDetectMalformedFingerprintIsAbsent(t *testing.T) {
	dec := &fakeDecider{outcome: moneyOutcome()}
	srv := newTestServer(t, dec)

	// The envelope parses; only the fingerprint object is junk.
	body := `{"url":"x","headers":{},"fingerprint":"junk"}`
	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, dec.lastFP)
}

func TestHandleDetectBadJSON(t *testing.T) {
	srv := newTestServer(t, &fakeDecider{outcome: moneyOutcome()})

	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("nope"))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "bad_request", resp["error"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeDecider{outcome: moneyOutcome()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestReadyzReportsStoreFailure(t *testing.T) {
	ex, err := visitor.NewExtractor(visitor.NewUAParser(), nil, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv := NewServer(
		config.ServerConfig{ListenAddr: ":0"},
		&fakeDecider{outcome: moneyOutcome()},
		ex,
		fakePinger{err: context.DeadlineExceeded}, fakePinger{},
		reg,
		metrics.New(reg),
		zerolog.Nop(),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestClientIPFromHeaders(t *testing.T) {
	assert.Equal(t, "203.0.113.5",
		clientIPFromHeaders(map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}))
	assert.Equal(t, "198.51.100.7",
		clientIPFromHeaders(map[string]string{"x-real-ip": "198.51.100.7"}))
	assert.Equal(t, "", clientIPFromHeaders(nil))
}
