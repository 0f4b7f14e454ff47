package detection

import (
	"context"
	"net/netip"

	"github.com/cloakroute/edge/internal/threatintel"
	"github.com/cloakroute/edge/internal/visitor"
)

// proxyIndicatorHeaders mark forwarded or relayed traffic. Two or more of
// them on one request suggest a proxy chain rather than a plain browser.
var proxyIndicatorHeaders = []string{
	"x-forwarded-for",
	"x-real-ip",
	"x-originating-ip",
	"x-forwarded-host",
	"x-proxy-connection",
	"via",
	"forwarded",
}

// ThreatChecker is the slice of the reputation service the network
// analyzer needs.
type ThreatChecker interface {
	Enabled() bool
	Check(ctx context.Context, ip string) (*threatintel.Result, error)
}

// NetworkAnalyzer scores the origin network of a request: private and
// reserved space, hosting ranges, Tor exits, proxy chains, and external
// reputation.
type NetworkAnalyzer struct {
	threats      ThreatChecker
	tor          *TorList
	datacenters  *DatacenterIndex
	threatWeight float64
}

func NewNetworkAnalyzer(threats ThreatChecker, tor *TorList, datacenters *DatacenterIndex, threatWeight float64) *NetworkAnalyzer {
	return &NetworkAnalyzer{
		threats:      threats,
		tor:          tor,
		datacenters:  datacenters,
		threatWeight: threatWeight,
	}
}

func (a *NetworkAnalyzer) Name() string { return AnalyzerNetwork }

func (a *NetworkAnalyzer) Analyze(ctx context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{Confidence: 0.7}
	res.detail("ip", d.IP)

	addr := d.Addr
	if !addr.IsValid() {
		res.Score = 0.5
		res.Confidence = 0.5
		res.flag("invalid_ip")
		return res, nil
	}

	if isNonRoutable(addr) {
		// Real visitors never originate from private or reserved space at
		// the edge.
		res.Score = 0.9
		res.Confidence = 0.9
		res.flag("private_ip_address")
		res.detail("network_type", "private")
		return res, nil
	}

	if a.tor.Contains(addr) {
		a.lift(res, 0.9, 0.9)
		res.flag("tor_exit_node")
	}
	if a.datacenters.Contains(addr) {
		a.lift(res, 0.7, 0.85)
		res.flag("datacenter_ip_range")
		res.detail("network_type", "datacenter")
	}

	if a.threats != nil && a.threats.Enabled() {
		if threat, err := a.threats.Check(ctx, d.IP); err == nil && threat != nil {
			res.detail("threat_score", threat.Score)
			if threat.Score > 0 {
				a.lift(res, threat.Score/100*a.threatWeight, 0.8)
			}
			if threat.IsThreat {
				res.flag("threat_intel_flagged")
				if threat.Reason != "" {
					res.detail("threat_reason", threat.Reason)
				}
			}
		}
	}

	if n := a.proxyHeaderCount(d); n >= 2 {
		res.Score = min(1, res.Score+0.1)
		res.flag("proxy_topology")
		res.detail("proxy_headers", n)
		if res.Confidence < 0.75 {
			res.Confidence = 0.75
		}
	}

	return res, nil
}

// lift raises score and confidence to at least the given values. Signals
// combine by strongest wins, not by summing.
func (a *NetworkAnalyzer) lift(res *Result, score, confidence float64) {
	if score > res.Score {
		res.Score = score
	}
	if confidence > res.Confidence {
		res.Confidence = confidence
	}
}

func (a *NetworkAnalyzer) proxyHeaderCount(d *visitor.Descriptor) int {
	n := 0
	for _, h := range proxyIndicatorHeaders {
		if d.HasHeader(h) {
			n++
		}
	}
	return n
}

func isNonRoutable(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}
