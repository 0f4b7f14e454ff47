package visitor

import (
	"encoding/json"
	"errors"
)

// Fingerprint is the structured object produced by the browser-side
// collector. Every sub-object and field is optional; analyzers match on
// presence. Unknown fields are ignored so collector versions can evolve
// independently of the edge.
type Fingerprint struct {
	Canvas            *CanvasFingerprint  `json:"canvas,omitempty"`
	WebGL             *WebGLFingerprint   `json:"webgl,omitempty"`
	Audio             *AudioFingerprint   `json:"audio,omitempty"`
	Screen            *ScreenFingerprint  `json:"screen,omitempty"`
	Device            *DeviceFingerprint  `json:"device,omitempty"`
	Environment       *EnvironmentInfo    `json:"environment,omitempty"`
	HeadlessDetection *HeadlessDetection  `json:"headlessDetection,omitempty"`
	Behavior          *BehaviorMetrics    `json:"behavior,omitempty"`
	JA3               string              `json:"ja3,omitempty"`
	JA3S              string              `json:"ja3s,omitempty"`
}

// CanvasFingerprint carries the rendered-canvas digests.
type CanvasFingerprint struct {
	Hash      string `json:"hash,omitempty"`
	Geometry  string `json:"geometry,omitempty"`
	Text      string `json:"text,omitempty"`
	IsBlocked bool   `json:"isBlocked,omitempty"`
	IsEmpty   bool   `json:"isEmpty,omitempty"`
}

// WebGLFingerprint identifies the GPU stack as reported by WebGL.
type WebGLFingerprint struct {
	Vendor     string   `json:"vendor,omitempty"`
	Renderer   string   `json:"renderer,omitempty"`
	Version    string   `json:"version,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

// AudioFingerprint carries the AudioContext probe results.
type AudioFingerprint struct {
	ContextHash    string  `json:"contextHash,omitempty"`
	OscillatorHash string  `json:"oscillatorHash,omitempty"`
	DynamicsHash   string  `json:"dynamicsHash,omitempty"`
	SampleRate     float64 `json:"sampleRate,omitempty"`
	ChannelCount   int     `json:"channelCount,omitempty"`
	State          string  `json:"state,omitempty"`
}

// ScreenFingerprint describes the reported display geometry.
type ScreenFingerprint struct {
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	AvailWidth  int     `json:"availWidth,omitempty"`
	AvailHeight int     `json:"availHeight,omitempty"`
	ColorDepth  *int    `json:"colorDepth,omitempty"`
	PixelRatio  float64 `json:"pixelRatio,omitempty"`
	Orientation string  `json:"orientation,omitempty"`
}

// DeviceFingerprint describes the reported hardware. Pointer fields
// distinguish "reported as zero" from "not reported".
type DeviceFingerprint struct {
	HardwareConcurrency *int     `json:"hardwareConcurrency,omitempty"`
	MaxTouchPoints      int      `json:"maxTouchPoints,omitempty"`
	DeviceMemory        *float64 `json:"deviceMemory,omitempty"`
}

// EnvironmentInfo describes the reported runtime environment.
type EnvironmentInfo struct {
	Timezone       string   `json:"timezone,omitempty"`
	TimezoneOffset *int     `json:"timezoneOffset,omitempty"`
	Languages      []string `json:"languages,omitempty"`
	Platform       string   `json:"platform,omitempty"`
	Plugins        []string `json:"plugins,omitempty"`
}

// HeadlessDetection is the collector's own automation verdict, forwarded
// verbatim. Detections carries short tokens such as "webdriver" or
// "cdp_active".
type HeadlessDetection struct {
	IsHeadless bool     `json:"isHeadless,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Detections []string `json:"detections,omitempty"`
}

// BehaviorMetrics aggregates the collector's interaction telemetry.
type BehaviorMetrics struct {
	Mouse       *MouseMetrics       `json:"mouse,omitempty"`
	Keyboard    *KeyboardMetrics    `json:"keyboard,omitempty"`
	Touch       *TouchMetrics       `json:"touch,omitempty"`
	Interaction *InteractionMetrics `json:"interaction,omitempty"`
}

// MouseMetrics summarizes pointer movement up to submission time.
type MouseMetrics struct {
	MoveCount    int     `json:"moveCount,omitempty"`
	Linearity    float64 `json:"linearity,omitempty"`
	AvgSpeedPxMs float64 `json:"avgSpeedPxMs,omitempty"`
}

// KeyboardMetrics summarizes typing rhythm.
type KeyboardMetrics struct {
	KeyCount         int     `json:"keyCount,omitempty"`
	MeanIntervalMs   float64 `json:"meanIntervalMs,omitempty"`
	IntervalVariance float64 `json:"intervalVariance,omitempty"`
	CharsPerSecond   float64 `json:"charsPerSecond,omitempty"`
}

// TouchMetrics summarizes touch capability and use.
type TouchMetrics struct {
	Supported  bool `json:"supported,omitempty"`
	EventCount int  `json:"eventCount,omitempty"`
}

// InteractionMetrics summarizes page-level engagement.
type InteractionMetrics struct {
	FirstInteractionMs int  `json:"firstInteractionMs,omitempty"`
	ScrollDepthPx      int  `json:"scrollDepthPx,omitempty"`
	PageHeightPx       int  `json:"pageHeightPx,omitempty"`
	FormFillTimeMs     int  `json:"formFillTimeMs,omitempty"`
	FormFieldCount     int  `json:"formFieldCount,omitempty"`
	FormPerfect        bool `json:"formPerfect,omitempty"`
}

// fingerprintEnvelope is the POST body accepted on the decision endpoint.
type fingerprintEnvelope struct {
	Fingerprint *Fingerprint `json:"fingerprint"`
}

// ErrMalformedBody reports an unparseable fingerprint submission. Callers
// treat it as "no fingerprint", never as a request failure.
var ErrMalformedBody = errors.New("malformed fingerprint body")

// ParseFingerprintBody decodes a `{"fingerprint": {...}}` envelope. A body
// that is empty, not JSON, or not shaped like the envelope yields
// ErrMalformedBody; a valid envelope without a fingerprint yields (nil, nil).
func ParseFingerprintBody(body []byte) (*Fingerprint, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var env fingerprintEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrMalformedBody
	}
	return env.Fingerprint, nil
}

// ParseFingerprint decodes a bare fingerprint object.
func ParseFingerprint(raw json.RawMessage) (*Fingerprint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, ErrMalformedBody
	}
	return &fp, nil
}
