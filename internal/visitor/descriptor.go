// Package visitor builds the per-request VisitorDescriptor: network identity,
// normalized headers, parsed user agent, geolocation and the optional
// client-side fingerprint. The descriptor is immutable once built and is the
// sole input to the detection analyzers.
package visitor

import (
	"net/netip"
)

// Geo holds the result of a geolocation lookup. Absent when the lookup
// database is not configured or the address is unknown.
type Geo struct {
	Country string  `json:"country"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Descriptor is the value object describing a single visitor request.
// All fields are populated at extraction time and never mutated afterwards.
type Descriptor struct {
	// IP is the canonical string form of the client address, Addr the
	// numeric form for range checks.
	IP   string
	Addr netip.Addr

	// UserAgent is the raw User-Agent header value.
	UserAgent string

	// Parsed user agent fields. Empty when the parser could not identify
	// the component.
	Browser        string
	BrowserVersion string
	BrowserMajor   int
	OS             string
	OSVersion      string
	DeviceFamily   string

	// DeviceType is one of "desktop", "mobile", "tablet" or "bot".
	DeviceType string

	Referrer string

	// Headers holds the retained subset of request headers with
	// lowercased keys.
	Headers map[string]string

	Geo *Geo

	Fingerprint *Fingerprint

	// FingerprintHash is the stable 128-bit digest identifying this
	// visitor, hex encoded.
	FingerprintHash string
}

// Header returns the retained header value for key (lowercase) or "".
func (d *Descriptor) Header(key string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[key]
}

// HasHeader reports whether the retained header set includes key.
func (d *Descriptor) HasHeader(key string) bool {
	if d.Headers == nil {
		return false
	}
	_, ok := d.Headers[key]
	return ok
}

// Country returns the ISO country code or "" when geolocation is absent.
func (d *Descriptor) Country() string {
	if d.Geo == nil {
		return ""
	}
	return d.Geo.Country
}

// HasFingerprint reports whether a structured fingerprint was submitted.
func (d *Descriptor) HasFingerprint() bool {
	return d.Fingerprint != nil
}
