package visitor

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// retainedHeaderList names the request headers copied onto the descriptor:
// client negotiation and proxy-topology headers plus the automation markers
// the analyzers inspect. Everything else is dropped at extraction time.
var retainedHeaderList = []string{
	"accept",
	"accept-language",
	"accept-encoding",
	"dnt",
	"connection",
	"upgrade-insecure-requests",
	"x-forwarded-for",
	"x-real-ip",
	"via",
	"forwarded",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"sec-fetch-dest",
	"sec-fetch-mode",
	"sec-fetch-site",
	"cache-control",
	"pragma",
	"x-originating-ip",
	"x-forwarded-host",
	"x-proxy-connection",
	"x-requested-with",
	"x-automation",
	"x-bot",
	"x-crawler",
	"x-debug",
	"x-test",
	"x-webdriver",
	"x-selenium",
	"x-puppeteer",
	"x-playwright",
	"webdriver-active",
	"x-chrome-connected",
	"x-devtools-emulate-network-conditions-client-id",
}

var retainedHeaders = func() map[string]struct{} {
	m := make(map[string]struct{}, len(retainedHeaderList))
	for _, h := range retainedHeaderList {
		m[h] = struct{}{}
	}
	return m
}()

// Extractor builds VisitorDescriptors from inbound requests. Construct once
// at startup; safe for concurrent use.
type Extractor struct {
	ua      *UAParser
	geo     *GeoResolver
	trusted []netip.Prefix
}

// NewExtractor wires the extractor. trustedProxies lists CIDR prefixes (or
// bare addresses) whose forwarded-for headers may override the peer address.
func NewExtractor(ua *UAParser, geo *GeoResolver, trustedProxies []string) (*Extractor, error) {
	trusted := make([]netip.Prefix, 0, len(trustedProxies))
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parsePrefixOrAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		trusted = append(trusted, prefix)
	}
	return &Extractor{ua: ua, geo: geo, trusted: trusted}, nil
}

func parsePrefixOrAddr(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Extract builds the descriptor for an inbound request. fp may be nil;
// extraction itself never fails, absent inputs simply stay absent.
func (e *Extractor) Extract(r *http.Request, fp *Fingerprint) *Descriptor {
	headers := make(map[string]string, len(retainedHeaders))
	for name, values := range r.Header {
		key := strings.ToLower(name)
		if _, ok := retainedHeaders[key]; !ok {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}

	ip, addr := e.clientAddr(r)
	return e.build(ip, addr, r.UserAgent(), r.Referer(), headers, fp)
}

// FromFields builds a descriptor from caller-supplied values, as submitted
// on the programmatic detection endpoint. Header keys are normalized and
// filtered the same way Extract does; user-agent and referer are lifted out
// of the supplied map.
func (e *Extractor) FromFields(remoteIP string, rawHeaders map[string]string, fp *Fingerprint) *Descriptor {
	headers := make(map[string]string, len(rawHeaders))
	userAgent := ""
	referrer := ""
	for name, value := range rawHeaders {
		key := strings.ToLower(name)
		switch key {
		case "user-agent":
			userAgent = value
		case "referer", "referrer":
			referrer = value
		}
		if _, ok := retainedHeaders[key]; ok {
			headers[key] = value
		}
	}

	addr, _ := netip.ParseAddr(strings.TrimSpace(remoteIP))
	addr = addr.Unmap()
	return e.build(strings.TrimSpace(remoteIP), addr, userAgent, referrer, headers, fp)
}

func (e *Extractor) build(ip string, addr netip.Addr, userAgent, referrer string, headers map[string]string, fp *Fingerprint) *Descriptor {
	if addr.IsValid() {
		ip = addr.String()
	}

	info := e.ua.Parse(userAgent)

	d := &Descriptor{
		IP:             ip,
		Addr:           addr,
		UserAgent:      userAgent,
		Browser:        info.Browser,
		BrowserVersion: info.BrowserVersion,
		BrowserMajor:   info.BrowserMajor,
		OS:             info.OS,
		OSVersion:      info.OSVersion,
		DeviceFamily:   info.DeviceFamily,
		DeviceType:     info.DeviceType,
		Referrer:       referrer,
		Headers:        headers,
		Fingerprint:    fp,
	}
	d.Geo = e.geo.Lookup(addr)
	d.FingerprintHash = ComputeHash(d.IP, d.UserAgent, d.Headers, d.Fingerprint)
	return d
}

// clientAddr selects the client address: the direct peer, unless the peer is
// a trusted proxy, in which case the forwarded headers are honored.
func (e *Extractor) clientAddr(r *http.Request) (string, netip.Addr) {
	peerText, peer := splitPeer(r.RemoteAddr)

	if peer.IsValid() && e.isTrustedProxy(peer) {
		if fwd := firstForwardedAddr(r.Header.Get("X-Forwarded-For")); fwd.IsValid() {
			return fwd.String(), fwd
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if addr, err := netip.ParseAddr(real); err == nil {
				addr = addr.Unmap()
				return addr.String(), addr
			}
		}
	}

	return peerText, peer
}

func (e *Extractor) isTrustedProxy(addr netip.Addr) bool {
	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// splitPeer parses RemoteAddr, tolerating a missing port.
func splitPeer(remoteAddr string) (string, netip.Addr) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr := ap.Addr().Unmap()
		return addr.String(), addr
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = addr.Unmap()
		return addr.String(), addr
	}
	return remoteAddr, netip.Addr{}
}

// firstForwardedAddr returns the leftmost parseable address in an
// X-Forwarded-For value.
func firstForwardedAddr(xff string) netip.Addr {
	for _, part := range strings.Split(xff, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if addr, err := netip.ParseAddr(part); err == nil {
			return addr.Unmap()
		}
	}
	return netip.Addr{}
}
