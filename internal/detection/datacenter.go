package detection

import (
	"net/netip"

	"github.com/rs/zerolog"
)

// builtinDatacenterRanges is a starter table of well-known hosting and
// cloud prefixes. Operators extend it through configuration; full coverage
// comes from the reputation providers.
var builtinDatacenterRanges = []string{
	// Amazon Web Services
	"3.0.0.0/9",
	"13.32.0.0/12",
	"18.128.0.0/9",
	"34.192.0.0/10",
	"52.0.0.0/10",
	"54.64.0.0/11",
	// Google Cloud and Google services
	"8.8.4.0/24",
	"8.8.8.0/24",
	"34.64.0.0/10",
	"35.184.0.0/13",
	"35.192.0.0/12",
	"104.154.0.0/15",
	"130.211.0.0/16",
	"146.148.0.0/17",
	// Microsoft Azure
	"13.64.0.0/11",
	"20.33.0.0/16",
	"40.64.0.0/10",
	"52.224.0.0/11",
	// DigitalOcean
	"104.131.0.0/16",
	"138.197.0.0/16",
	"159.89.0.0/16",
	"167.99.0.0/16",
	"178.62.0.0/16",
	// OVH
	"51.38.0.0/16",
	"51.68.0.0/16",
	"54.36.0.0/16",
	"145.239.0.0/16",
	// Hetzner
	"5.9.0.0/16",
	"78.46.0.0/15",
	"88.198.0.0/16",
	"95.216.0.0/16",
	"135.181.0.0/16",
	// Linode
	"45.33.0.0/17",
	"50.116.0.0/18",
	"172.104.0.0/15",
	// Vultr
	"45.32.0.0/16",
	"45.63.0.0/16",
	"108.61.0.0/16",
	"149.28.0.0/16",
}

// DatacenterIndex answers prefix-membership checks against the known
// hosting ranges.
type DatacenterIndex struct {
	prefixes []netip.Prefix
}

// NewDatacenterIndex merges the built-in table with operator-supplied
// CIDRs. Unparseable entries are logged and skipped.
func NewDatacenterIndex(extra []string, logger zerolog.Logger) *DatacenterIndex {
	all := make([]string, 0, len(builtinDatacenterRanges)+len(extra))
	all = append(all, builtinDatacenterRanges...)
	all = append(all, extra...)

	idx := &DatacenterIndex{prefixes: make([]netip.Prefix, 0, len(all))}
	for _, cidr := range all {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn().Str("cidr", cidr).Msg("skipping invalid datacenter range")
			continue
		}
		idx.prefixes = append(idx.prefixes, prefix)
	}
	return idx
}

// Contains reports whether addr falls in a known hosting range.
func (d *DatacenterIndex) Contains(addr netip.Addr) bool {
	if d == nil || !addr.IsValid() {
		return false
	}
	for _, prefix := range d.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
