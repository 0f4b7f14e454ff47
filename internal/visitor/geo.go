package visitor

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// GeoResolver answers city-level geolocation lookups from an in-process
// MMDB database. A nil resolver is valid and resolves nothing.
type GeoResolver struct {
	db     *geoip2.Reader
	logger zerolog.Logger
}

// NewGeoResolver opens the MMDB database at path. An empty path disables
// geolocation without error.
func NewGeoResolver(path string, logger zerolog.Logger) (*GeoResolver, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	logger.Info().Str("path", path).Msg("geoip database loaded")
	return &GeoResolver{db: db, logger: logger}, nil
}

// Lookup resolves addr to a Geo record. Any failure yields nil; geolocation
// is best effort and never an error for the request.
func (g *GeoResolver) Lookup(addr netip.Addr) *Geo {
	if g == nil || g.db == nil || !addr.IsValid() {
		return nil
	}

	record, err := g.db.City(net.IP(addr.AsSlice()))
	if err != nil {
		g.logger.Debug().Err(err).Str("ip", addr.String()).Msg("geoip lookup failed")
		return nil
	}
	if record.Country.IsoCode == "" {
		return nil
	}

	geo := &Geo{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
		Lat:     record.Location.Latitude,
		Lon:     record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		geo.Region = record.Subdivisions[0].Names["en"]
	}
	return geo
}

// Close releases the database handle.
func (g *GeoResolver) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
