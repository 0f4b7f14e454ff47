package detection

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloakroute/edge/internal/threatintel"
	"github.com/cloakroute/edge/internal/visitor"
)

const testChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func browserDescriptor() *visitor.Descriptor {
	return &visitor.Descriptor{
		IP:             "203.0.113.5",
		Addr:           netip.MustParseAddr("203.0.113.5"),
		UserAgent:      testChromeUA,
		Browser:        "Chrome",
		BrowserVersion: "120.0.0.0",
		BrowserMajor:   120,
		OS:             "Windows",
		DeviceType:     "desktop",
		Headers: map[string]string{
			"accept":          "text/html,application/xhtml+xml",
			"accept-language": "en-US,en;q=0.9",
			"accept-encoding": "gzip, deflate, br",
		},
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// ============================================================
// User agent
// ============================================================

func TestUserAgentAnalyzer(t *testing.T) {
	a := NewUserAgentAnalyzer(map[string]int{"chrome": 90, "firefox": 88, "safari": 14, "edge": 90})
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = ""
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Contains(t, res.Flags, "missing_user_agent")
	})

	t.Run("too short", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "curl/8"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
		assert.Contains(t, res.Flags, "short_user_agent")
	})

	t.Run("ten characters clears the length rule", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "GoodClient"
		d.Browser = ""
		d.BrowserMajor = 0
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.NotContains(t, res.Flags, "short_user_agent")
		assert.Equal(t, 0.7, res.Score)
		assert.Contains(t, res.Flags, "unknown_browser")
	})

	t.Run("lexicon match", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "python-requests/2.31.0"
		d.Browser = ""
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Contains(t, res.Flags, "bot_lexicon:python-requests")
	})

	t.Run("crawler", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
	})

	t.Run("spoofed engine", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) NotARealEngine/1.0"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Equal(t, 0.85, res.Confidence)
		assert.Contains(t, res.Flags, "spoofed_engine")
	})

	t.Run("conflicting browsers", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 AppleWebKit/537.36 Chrome/120.0 Firefox/121.0"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Contains(t, res.Flags, "conflicting_browsers")
	})

	t.Run("impossible version", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 AppleWebKit/537.36 Chrome/999.0.0.0 Safari/537.36"
		d.BrowserMajor = 999
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Contains(t, res.Flags, "impossible_version")
	})

	t.Run("outdated browser", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 (Windows NT 6.1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/72.0.3626.121 Safari/537.36"
		d.BrowserVersion = "72.0.3626.121"
		d.BrowserMajor = 72
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.6, res.Score)
		assert.Equal(t, 0.7, res.Confidence)
		assert.Contains(t, res.Flags, "outdated_browser")
	})

	t.Run("unknown browser", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "SomethingEntirelyUnrecognizable/9.9"
		d.Browser = ""
		d.BrowserMajor = 0
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.7, res.Score)
		assert.Equal(t, 0.6, res.Confidence)
	})

	t.Run("clean", func(t *testing.T) {
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Equal(t, 0.9, res.Confidence)
		assert.Empty(t, res.Flags)
	})
}

// ============================================================
// Headers
// ============================================================

func TestHeadersAnalyzer(t *testing.T) {
	a := NewHeadersAnalyzer()
	ctx := context.Background()

	t.Run("clean browser headers", func(t *testing.T) {
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Empty(t, res.Flags)
	})

	t.Run("all baseline missing", func(t *testing.T) {
		d := browserDescriptor()
		d.Headers = map[string]string{}
		d.UserAgent = ""
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.InDelta(t, 0.3, res.Score, 0.001)
		assert.Contains(t, res.Flags, "missing_header:accept")
		assert.Contains(t, res.Flags, "missing_header:user-agent")
	})

	t.Run("automation header", func(t *testing.T) {
		d := browserDescriptor()
		d.Headers["x-automation"] = "true"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Greater(t, res.Score, 0.0)
		assert.Contains(t, res.Flags, "suspicious_header:x-automation")
		assert.Equal(t, 0.8, res.Confidence)
	})

	t.Run("proxy stack accumulates", func(t *testing.T) {
		d := browserDescriptor()
		d.Headers["x-forwarded-for"] = "1.2.3.4"
		d.Headers["via"] = "1.1 proxy"
		d.Headers["x-proxy-connection"] = "keep-alive"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		// 5.0 of 23.5 scaled by 0.7
		assert.InDelta(t, 0.149, res.Score, 0.01)
	})

	t.Run("requested-with contradicts user agent", func(t *testing.T) {
		d := browserDescriptor()
		d.Browser = "Firefox"
		d.Headers["x-requested-with"] = "com.android.chrome"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "browser_inconsistency")
	})
}

// ============================================================
// Network
// ============================================================

type fakeThreatChecker struct {
	enabled bool
	result  *threatintel.Result
	err     error
	calls   int
}

func (f *fakeThreatChecker) Enabled() bool { return f.enabled }

func (f *fakeThreatChecker) Check(_ context.Context, ip string) (*threatintel.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestNetworkAnalyzer(t *testing.T) {
	ctx := context.Background()
	datacenters := NewDatacenterIndex(nil, zerolog.Nop())

	t.Run("private address", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, nil, datacenters, 0.15)
		d := browserDescriptor()
		d.IP = "10.0.0.5"
		d.Addr = netip.MustParseAddr("10.0.0.5")
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Equal(t, 0.9, res.Confidence)
		assert.Contains(t, res.Flags, "private_ip_address")
	})

	t.Run("loopback address", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, nil, datacenters, 0.15)
		d := browserDescriptor()
		d.IP = "127.0.0.1"
		d.Addr = netip.MustParseAddr("127.0.0.1")
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "private_ip_address")
	})

	t.Run("datacenter range", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, nil, datacenters, 0.15)
		d := browserDescriptor()
		d.IP = "8.8.8.8"
		d.Addr = netip.MustParseAddr("8.8.8.8")
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.7, res.Score)
		assert.Contains(t, res.Flags, "datacenter_ip_range")
	})

	t.Run("operator supplied range", func(t *testing.T) {
		idx := NewDatacenterIndex([]string{"198.51.100.0/24"}, zerolog.Nop())
		a := NewNetworkAnalyzer(nil, nil, idx, 0.15)
		d := browserDescriptor()
		d.IP = "198.51.100.7"
		d.Addr = netip.MustParseAddr("198.51.100.7")
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "datacenter_ip_range")
	})

	t.Run("threat reputation contributes", func(t *testing.T) {
		threats := &fakeThreatChecker{
			enabled: true,
			result:  &threatintel.Result{IP: "203.0.113.5", Score: 80, IsThreat: true, Reason: "virustotal: flagged"},
		}
		a := NewNetworkAnalyzer(threats, nil, datacenters, 0.15)
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.InDelta(t, 0.12, res.Score, 0.001)
		assert.Contains(t, res.Flags, "threat_intel_flagged")
		assert.Equal(t, 1, threats.calls)
	})

	t.Run("threat errors are non-fatal", func(t *testing.T) {
		threats := &fakeThreatChecker{enabled: true, err: fmt.Errorf("provider down")}
		a := NewNetworkAnalyzer(threats, nil, datacenters, 0.15)
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Zero(t, res.Score)
	})

	t.Run("proxy topology bonus", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, nil, datacenters, 0.15)
		d := browserDescriptor()
		d.Headers["x-forwarded-for"] = "1.2.3.4"
		d.Headers["via"] = "1.1 edge"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, res.Score, 0.001)
		assert.Contains(t, res.Flags, "proxy_topology")
	})

	t.Run("clean public address", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, nil, datacenters, 0.15)
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Empty(t, res.Flags)
	})
}

func TestTorList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# exit list\n185.220.101.1\n185.220.101.2\nnot-an-ip\n")
	}))
	defer srv.Close()

	list := NewTorList(srv.URL, time.Hour, zerolog.Nop())
	require.NotNil(t, list)
	require.NoError(t, list.Reload(context.Background()))

	assert.Equal(t, 2, list.Size())
	assert.True(t, list.Contains(netip.MustParseAddr("185.220.101.1")))
	assert.False(t, list.Contains(netip.MustParseAddr("93.184.216.34")))

	t.Run("analyzer flags exit node", func(t *testing.T) {
		a := NewNetworkAnalyzer(nil, list, NewDatacenterIndex(nil, zerolog.Nop()), 0.15)
		d := browserDescriptor()
		d.IP = "185.220.101.2"
		d.Addr = netip.MustParseAddr("185.220.101.2")
		res, err := a.Analyze(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Contains(t, res.Flags, "tor_exit_node")
	})

	t.Run("nil list matches nothing", func(t *testing.T) {
		var nilList *TorList
		assert.False(t, nilList.Contains(netip.MustParseAddr("185.220.101.1")))
		assert.Zero(t, nilList.Size())
	})
}

// ============================================================
// Fingerprint
// ============================================================

func cleanFingerprint() *visitor.Fingerprint {
	return &visitor.Fingerprint{
		Canvas: &visitor.CanvasFingerprint{Hash: "9f86d081884c7d65"},
		WebGL: &visitor.WebGLFingerprint{
			Vendor:   "Google Inc. (NVIDIA)",
			Renderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		},
		Audio: &visitor.AudioFingerprint{
			ContextHash:    "cafe01",
			OscillatorHash: "cafe02",
			DynamicsHash:   "cafe03",
			SampleRate:     48000,
			ChannelCount:   2,
			State:          "running",
		},
		Screen: &visitor.ScreenFingerprint{
			Width: 1920, Height: 1080,
			AvailWidth: 1920, AvailHeight: 1040,
			ColorDepth:  intPtr(24),
			Orientation: "landscape-primary",
		},
		Device: &visitor.DeviceFingerprint{
			HardwareConcurrency: intPtr(8),
			DeviceMemory:        floatPtr(16),
		},
		Environment: &visitor.EnvironmentInfo{
			Timezone:  "Europe/Berlin",
			Languages: []string{"de-DE", "en-US"},
			Platform:  "Win32",
			Plugins:   []string{"PDF Viewer", "Chrome PDF Viewer"},
		},
	}
}

func TestFingerprintAnalyzer(t *testing.T) {
	a := NewFingerprintAnalyzer()
	ctx := context.Background()

	t.Run("absent payload", func(t *testing.T) {
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Equal(t, 0.7, res.Score)
		assert.Equal(t, 0.8, res.Confidence)
		assert.Contains(t, res.Flags, "no_fingerprint_data")
	})

	t.Run("clean payload", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Empty(t, res.Flags)
		assert.InDelta(t, 0.84, res.Confidence, 0.001)
	})

	t.Run("software renderer", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.WebGL.Vendor = "Google Inc."
		d.Fingerprint.WebGL.Renderer = "Google SwiftShader"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "virtual_gpu_renderer")
	})

	t.Run("trivial canvas hash", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Canvas.Hash = "0000000000000000"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.65, res.Score)
		assert.Contains(t, res.Flags, "canvas_trivial_hash")
	})

	t.Run("blocked canvas", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Canvas.IsBlocked = true
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.6, res.Score)
		assert.Contains(t, res.Flags, "canvas_blocked")
	})

	t.Run("headless screen profile", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Screen = &visitor.ScreenFingerprint{
			Width: 1920, Height: 1080,
			AvailWidth: 1920, AvailHeight: 1080,
			ColorDepth:  intPtr(24),
			Orientation: "landscape-primary",
		}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "headless_screen_profile")
	})

	t.Run("impossible screen geometry", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Screen.AvailWidth = 2560
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.85, res.Score)
		assert.Contains(t, res.Flags, "impossible_screen_geometry")
	})

	t.Run("implausible hardware", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Device.HardwareConcurrency = intPtr(0)
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.7, res.Score)
		assert.Contains(t, res.Flags, "implausible_hardware_concurrency")
	})

	t.Run("sterile environment", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment = &visitor.EnvironmentInfo{
			Timezone:  "UTC",
			Languages: []string{"en-US"},
			Platform:  "Win32",
			Plugins:   []string{},
		}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.75, res.Score)
		assert.Contains(t, res.Flags, "sterile_environment")
		assert.Contains(t, res.Flags, "utc_timezone")
		assert.Contains(t, res.Flags, "single_default_language")
		assert.Contains(t, res.Flags, "no_browser_plugins")
	})

	t.Run("utc clock flags alone", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment = &visitor.EnvironmentInfo{
			Timezone:  "UTC",
			Languages: []string{"en-US", "en"},
			Platform:  "Win32",
			Plugins:   []string{"PDF Viewer"},
		}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.45, res.Score)
		assert.Contains(t, res.Flags, "utc_timezone")
		assert.NotContains(t, res.Flags, "sterile_environment")
	})

	t.Run("single default language flags alone", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Languages = []string{"en-US"}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "single_default_language")
		assert.NotContains(t, res.Flags, "utc_timezone")
		assert.NotContains(t, res.Flags, "sterile_environment")
	})

	t.Run("empty plugin list flags alone", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Plugins = []string{}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "no_browser_plugins")
		assert.NotContains(t, res.Flags, "sterile_environment")
	})

	t.Run("unreported plugins do not flag", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Plugins = nil
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.NotContains(t, res.Flags, "no_browser_plugins")
	})

	t.Run("unknown platform", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Platform = "FreeBSD amd64"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Contains(t, res.Flags, "unknown_platform")
	})

	t.Run("touch points on desktop platform", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Device.MaxTouchPoints = 5
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.55, res.Score)
		assert.Contains(t, res.Flags, "touch_on_desktop_platform")
	})

	t.Run("touch points on android platform", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Platform = "Linux armv8l Android"
		d.Fingerprint.Device.MaxTouchPoints = 5
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.NotContains(t, res.Flags, "touch_on_desktop_platform")
	})

	t.Run("platform contradicts user agent", func(t *testing.T) {
		d := browserDescriptor()
		d.OS = "Mac OS X"
		d.Fingerprint = cleanFingerprint()
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.85, res.Score)
		assert.Contains(t, res.Flags, "platform_os_mismatch")
	})

	t.Run("ipad reporting mac platform", func(t *testing.T) {
		d := browserDescriptor()
		d.OS = "iOS"
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.Environment.Platform = "MacIntel"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.NotContains(t, res.Flags, "platform_os_mismatch")
	})
}

// ============================================================
// Headless
// ============================================================

func TestHeadlessAnalyzer(t *testing.T) {
	a := NewHeadlessAnalyzer()
	ctx := context.Background()

	t.Run("headless chrome user agent", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/115.0 Safari/537.36"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Equal(t, "chrome", res.Details["framework"])
	})

	t.Run("phantomjs user agent", func(t *testing.T) {
		d := browserDescriptor()
		d.UserAgent = "Mozilla/5.0 (Unknown; Linux x86_64) AppleWebKit/534.34 (KHTML, like Gecko) PhantomJS/2.1.1 Safari/534.34"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
		assert.Equal(t, "phantomjs", res.Details["framework"])
	})

	t.Run("automation header", func(t *testing.T) {
		d := browserDescriptor()
		d.Headers["x-puppeteer"] = "1"
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.95, res.Score)
		assert.Equal(t, "puppeteer", res.Details["framework"])
		assert.Contains(t, res.Flags, "automation_header:x-puppeteer")
	})

	t.Run("client side verdict", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.HeadlessDetection = &visitor.HeadlessDetection{
			IsHeadless: true,
			Confidence: 0.85,
			Detections: []string{"webdriver_property", "cdp_runtime"},
		}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.9, res.Score)
		assert.Equal(t, 0.85, res.Confidence)
		assert.Equal(t, "webdriver", res.Details["framework"])
		assert.Contains(t, res.Flags, "client_headless_verdict")
	})

	t.Run("soft signals stack", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		d.Fingerprint.WebGL.Renderer = "llvmpipe (LLVM 15.0.7, 256 bits)"
		d.Fingerprint.Environment = &visitor.EnvironmentInfo{
			Timezone:  "UTC",
			Languages: []string{"en-US"},
		}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		// virtual gpu + sterile locale + zero plugins on chrome
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "virtual_gpu")
		assert.Contains(t, res.Flags, "automation_locale")
		assert.Contains(t, res.Flags, "no_browser_plugins")
	})

	t.Run("clean browser", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = cleanFingerprint()
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Zero(t, res.Score)
	})
}

// ============================================================
// Behavior
// ============================================================

func TestBehaviorAnalyzer(t *testing.T) {
	a := NewBehaviorAnalyzer()
	ctx := context.Background()

	t.Run("absent is neutral", func(t *testing.T) {
		res, err := a.Analyze(ctx, browserDescriptor())
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Equal(t, 0.5, res.Confidence)
	})

	t.Run("linear mouse path", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = &visitor.Fingerprint{Behavior: &visitor.BehaviorMetrics{
			Mouse: &visitor.MouseMetrics{MoveCount: 40, Linearity: 0.995, AvgSpeedPxMs: 2},
		}}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "robotic_mouse_path")
	})

	t.Run("metronomic typing", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = &visitor.Fingerprint{Behavior: &visitor.BehaviorMetrics{
			Keyboard: &visitor.KeyboardMetrics{KeyCount: 30, MeanIntervalMs: 40, IntervalVariance: 0.5, CharsPerSecond: 25},
		}}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "metronomic_typing")
		assert.Contains(t, res.Flags, "superhuman_typing_rate")
	})

	t.Run("instant form fill", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = &visitor.Fingerprint{Behavior: &visitor.BehaviorMetrics{
			Interaction: &visitor.InteractionMetrics{
				FirstInteractionMs: 50,
				FormFieldCount:     5,
				FormFillTimeMs:     400,
				FormPerfect:        true,
			},
		}}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, 0.8, res.Score)
		assert.Contains(t, res.Flags, "instant_form_fill")
		assert.Contains(t, res.Flags, "instant_first_interaction")
	})

	t.Run("human telemetry", func(t *testing.T) {
		d := browserDescriptor()
		d.Fingerprint = &visitor.Fingerprint{Behavior: &visitor.BehaviorMetrics{
			Mouse:    &visitor.MouseMetrics{MoveCount: 120, Linearity: 0.42, AvgSpeedPxMs: 0.8},
			Keyboard: &visitor.KeyboardMetrics{KeyCount: 18, MeanIntervalMs: 180, IntervalVariance: 2400, CharsPerSecond: 4.2},
			Interaction: &visitor.InteractionMetrics{
				FirstInteractionMs: 2300,
				ScrollDepthPx:      1400,
				PageHeightPx:       4200,
			},
		}}
		res, err := a.Analyze(ctx, d)
		require.NoError(t, err)
		assert.Zero(t, res.Score)
		assert.Equal(t, 0.7, res.Confidence)
	})
}
