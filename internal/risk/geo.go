package risk

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
)

// Location is where an IP address appears to originate. Coordinates are only
// meaningful when HasCoords is set.
type Location struct {
	Key       string
	Lat, Lon  float64
	HasCoords bool
}

// Locator resolves client addresses to coarse locations.
type Locator interface {
	Locate(ip string) (Location, bool)
}

// PrefixLocator treats every network prefix of the given size as one
// location. It needs no database and never yields coordinates.
type PrefixLocator struct {
	V4Bits int
	V6Bits int
}

// DefaultLocator groups by /16 and /48.
func DefaultLocator() PrefixLocator {
	return PrefixLocator{V4Bits: 16, V6Bits: 48}
}

func (p PrefixLocator) Locate(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.IsLoopback() || addr.IsUnspecified() {
		return Location{}, false
	}
	addr = addr.Unmap()
	bits := p.V4Bits
	if addr.Is6() {
		bits = p.V6Bits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return Location{}, false
	}
	return Location{Key: prefix.String()}, true
}

// Site names a network with known coordinates.
type Site struct {
	CIDR string  `yaml:"cidr" json:"cidr"`
	Name string  `yaml:"name" json:"name"`
	Lat  float64 `yaml:"lat" json:"lat"`
	Lon  float64 `yaml:"lon" json:"lon"`
}

type site struct {
	prefix netip.Prefix
	loc    Location
}

// TableLocator resolves addresses against configured sites, most specific
// first, and falls back to another locator for the rest.
type TableLocator struct {
	sites    []site
	fallback Locator
}

// NewTableLocator parses sites. fallback may be nil.
func NewTableLocator(sites []Site, fallback Locator) (*TableLocator, error) {
	t := &TableLocator{fallback: fallback}
	for _, s := range sites {
		prefix, err := netip.ParsePrefix(s.CIDR)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", s.Name, err)
		}
		name := s.Name
		if name == "" {
			name = prefix.String()
		}
		t.sites = append(t.sites, site{
			prefix: prefix.Masked(),
			loc:    Location{Key: name, Lat: s.Lat, Lon: s.Lon, HasCoords: true},
		})
	}
	sort.SliceStable(t.sites, func(i, j int) bool {
		return t.sites[i].prefix.Bits() > t.sites[j].prefix.Bits()
	})
	return t, nil
}

func (t *TableLocator) Locate(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err == nil {
		addr = addr.Unmap()
		for _, s := range t.sites {
			if s.prefix.Contains(addr) {
				return s.loc, true
			}
		}
	}
	if t.fallback != nil {
		return t.fallback.Locate(ip)
	}
	return Location{}, false
}

const earthRadiusKm = 6371.0

// distanceKm is the great-circle distance between two locations.
func distanceKm(a, b Location) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
