package detection

import (
	"context"
	"strings"

	"github.com/cloakroute/edge/internal/visitor"
)

// virtualGPUTokens appear in the WebGL renderer string of software
// rasterizers and virtual machines, never of real consumer hardware.
var virtualGPUTokens = []string{
	"swiftshader",
	"llvmpipe",
	"mesa offscreen",
	"vmware",
	"virtualbox",
	"brian paul",
}

// headlessScreenSizes are the default window dimensions of the common
// automation frameworks.
var headlessScreenSizes = map[[2]int]struct{}{
	{800, 600}:   {},
	{1024, 768}:  {},
	{1280, 720}:  {},
	{1280, 800}:  {},
	{1920, 1080}: {},
}

// FingerprintAnalyzer inspects the client-side fingerprint payload for
// rendering, hardware, and environment anomalies. Cross-signal headless
// classification lives in HeadlessAnalyzer; this one scores each surface
// on its own.
type FingerprintAnalyzer struct{}

func NewFingerprintAnalyzer() *FingerprintAnalyzer { return &FingerprintAnalyzer{} }

func (a *FingerprintAnalyzer) Name() string { return AnalyzerFingerprint }

func (a *FingerprintAnalyzer) Analyze(_ context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{}

	fp := d.Fingerprint
	if fp == nil {
		// Script blocked, stripped, or never executed. Moderately bot-like
		// on its own but common enough among privacy tooling to stay below
		// the block line without corroboration.
		res.Score = 0.7
		res.Confidence = 0.8
		res.flag("no_fingerprint_data")
		return res, nil
	}

	present := 0
	hit := func(severity float64, flag string) {
		if severity > res.Score {
			res.Score = severity
		}
		res.flag(flag)
	}

	if c := fp.Canvas; c != nil {
		present++
		switch {
		case c.IsBlocked:
			hit(0.6, "canvas_blocked")
		case c.IsEmpty:
			hit(0.7, "canvas_empty")
		case trivialHash(c.Hash):
			hit(0.65, "canvas_trivial_hash")
		}
	}

	if w := fp.WebGL; w != nil {
		present++
		renderer := strings.ToLower(w.Vendor + " " + w.Renderer)
		for _, token := range virtualGPUTokens {
			if strings.Contains(renderer, token) {
				hit(0.8, "virtual_gpu_renderer")
				res.detail("webgl_renderer", w.Renderer)
				break
			}
		}
		if w.Vendor == "" && w.Renderer == "" {
			hit(0.55, "webgl_unavailable")
		}
	}

	if au := fp.Audio; au != nil {
		present++
		if au.State == "suspended" && au.OscillatorHash == au.DynamicsHash && au.OscillatorHash != "" {
			hit(0.6, "audio_context_anomaly")
		}
	}

	if s := fp.Screen; s != nil {
		present++
		_, headlessSize := headlessScreenSizes[[2]int{s.Width, s.Height}]
		if headlessSize && s.Width == s.AvailWidth && s.Height == s.AvailHeight {
			// Real desktops lose avail space to taskbars and docks.
			hit(0.8, "headless_screen_profile")
		}
		if s.ColorDepth != nil && *s.ColorDepth < 24 {
			hit(0.6, "unusual_color_depth")
		}
		if s.Orientation == "" {
			hit(0.5, "missing_screen_orientation")
		}
		if s.AvailWidth > s.Width || s.AvailHeight > s.Height {
			hit(0.85, "impossible_screen_geometry")
		}
	}

	if dev := fp.Device; dev != nil {
		present++
		if dev.HardwareConcurrency != nil && (*dev.HardwareConcurrency == 0 || *dev.HardwareConcurrency > 64) {
			hit(0.7, "implausible_hardware_concurrency")
		}
		if dev.DeviceMemory != nil && (*dev.DeviceMemory == 0 || *dev.DeviceMemory > 64) {
			hit(0.65, "implausible_device_memory")
		}
	}

	if env := fp.Environment; env != nil {
		present++
		// Each automation-image default flags on its own; together they
		// form the sterile profile and score higher.
		sterile := 0
		if utcClock(env) {
			hit(0.45, "utc_timezone")
			sterile++
		}
		if singleDefaultLanguage(env.Languages) {
			hit(0.45, "single_default_language")
			sterile++
		}
		if env.Plugins != nil && len(env.Plugins) == 0 {
			hit(0.4, "no_browser_plugins")
			sterile++
		}
		if sterile == 3 {
			hit(0.75, "sterile_environment")
		}
		if env.Platform != "" {
			if _, known := expectedOSForPlatform(env.Platform); !known {
				hit(0.5, "unknown_platform")
			} else if platformMismatch(env.Platform, d.OS) {
				hit(0.85, "platform_os_mismatch")
				res.detail("reported_platform", env.Platform)
			}
		}
	}

	if dev, env := fp.Device, fp.Environment; dev != nil && env != nil {
		if dev.MaxTouchPoints > 0 && desktopPlatform(env.Platform) {
			// Emulated mobile profiles keep touch points on while the
			// platform string stays desktop.
			hit(0.55, "touch_on_desktop_platform")
		}
	}

	// Confidence grows with how much of the payload we could inspect.
	res.Confidence = 0.6 + 0.04*float64(present)
	if len(res.Flags) > 0 && res.Confidence < 0.8 {
		res.Confidence = 0.8
	}
	return res, nil
}

// trivialHash catches canvases that rendered to a constant, which real
// GPU and font stacks never produce.
func trivialHash(hash string) bool {
	if len(hash) < 8 {
		return hash != ""
	}
	first := hash[0]
	for i := 1; i < len(hash); i++ {
		if hash[i] != first {
			return false
		}
	}
	return true
}

// utcClock matches the zero-configuration clock of automation images.
func utcClock(env *visitor.EnvironmentInfo) bool {
	return env.Timezone == "UTC" || (env.TimezoneOffset != nil && *env.TimezoneOffset == 0 && env.Timezone == "")
}

// singleDefaultLanguage matches the untouched locale list of a fresh
// browser image.
func singleDefaultLanguage(languages []string) bool {
	return len(languages) == 1 && strings.EqualFold(languages[0], "en-US")
}

// desktopPlatform reports whether navigator.platform names a desktop OS.
func desktopPlatform(platform string) bool {
	p := strings.ToLower(platform)
	if strings.Contains(p, "android") {
		return false
	}
	return strings.HasPrefix(p, "win") || strings.HasPrefix(p, "mac") || strings.Contains(p, "linux")
}

// expectedOSForPlatform maps a navigator.platform string to the OS family
// the user agent should report. Unrecognized platforms return false.
func expectedOSForPlatform(platform string) (string, bool) {
	p := strings.ToLower(platform)
	switch {
	case strings.HasPrefix(p, "win"):
		return "windows", true
	case strings.HasPrefix(p, "mac"):
		return "mac", true
	case strings.HasPrefix(p, "iphone"), strings.HasPrefix(p, "ipad"):
		return "ios", true
	case strings.Contains(p, "android"):
		return "android", true
	case strings.Contains(p, "linux"):
		return "linux", true
	}
	return "", false
}

// platformMismatch reports a navigator.platform that contradicts the OS
// parsed from the user agent.
func platformMismatch(platform, os string) bool {
	if platform == "" || os == "" {
		return false
	}
	o := strings.ToLower(os)

	expected, known := expectedOSForPlatform(platform)
	if !known {
		return false
	}
	if expected == "linux" && strings.Contains(o, "android") {
		// Android reports Linux armv8 and friends.
		return false
	}
	if expected == "mac" && strings.Contains(o, "ios") {
		// iPadOS masquerades as MacIntel.
		return false
	}
	return !strings.Contains(o, expected)
}
