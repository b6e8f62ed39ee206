// Package proj resolves GeoPackage spatial reference systems into coordinate conversions.
// There is no process wide projection table: every component receives a *Registry.
package proj

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	EPSG = "EPSG"
	OGC  = "OGC"
)

var ErrProjectionUnavailable = errors.New("projection unavailable")

// CRS identifies a coordinate reference system the way gpkg_spatial_ref_sys does:
// an organization with a code, plus the raw definition as a fallback.
type CRS struct {
	Organization string
	Code         int
	// Definition is the WKT or PROJ string, used when Organization:Code can't be resolved.
	Definition string
}

var (
	WGS84       = CRS{Organization: EPSG, Code: 4326}
	WebMercator = CRS{Organization: EPSG, Code: 3857}
)

// aliases maps equivalent codes to one canonical key
var aliases = map[string]string{
	"EPSG:900913": "EPSG:3857",
	"EPSG:102113": "EPSG:3857",
	"EPSG:102100": "EPSG:3857",
	"EPSG:3785":   "EPSG:3857",
	"ESRI:102113": "EPSG:3857",
	"ESRI:102100": "EPSG:3857",
	"OGC:84":      "EPSG:4326",
	"CRS:84":      "EPSG:4326",
}

// ParseCRS parses "EPSG:3857", "epsg:3857" or a bare code (assumed EPSG)
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}, fmt.Errorf("empty crs")
	}
	org, code, found := strings.Cut(s, ":")
	if !found {
		org, code = EPSG, s
	}
	org = strings.ToUpper(org)
	if org == OGC && strings.EqualFold(code, "CRS84") {
		return CRS{Organization: OGC, Code: 84}, nil
	}
	c, err := strconv.Atoi(code)
	if err != nil {
		return CRS{}, fmt.Errorf("could not parse crs code %q: %w", s, err)
	}
	return CRS{Organization: org, Code: c}, nil
}

// Key returns the canonical ORGANIZATION:CODE identity, aliases folded
func (c CRS) Key() string {
	key := strings.ToUpper(c.Organization) + ":" + strconv.Itoa(c.Code)
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

func (c CRS) String() string {
	if c.Organization == "" {
		return "custom"
	}
	return strings.ToUpper(c.Organization) + ":" + strconv.Itoa(c.Code)
}

// SameProjection reports whether two systems are identical or recognized aliases
func SameProjection(a, b CRS) bool {
	if a.Organization != "" && b.Organization != "" {
		return a.Key() == b.Key()
	}
	return a.Definition != "" && strings.TrimSpace(a.Definition) == strings.TrimSpace(b.Definition)
}

// IsWebMercator reports whether the system is EPSG:3857 or one of its aliases
func (c CRS) IsWebMercator() bool {
	return c.Key() == WebMercator.Key()
}

// geographic are the lon/lat systems whose x axis wraps every 360 degrees
var geographic = map[string]bool{
	"EPSG:4326": true,
	"EPSG:4258": true,
	"EPSG:4269": true,
	"EPSG:4283": true,
	"EPSG:4167": true,
}

// IsGeographic reports whether the system is one of the known longitude/latitude systems
func (c CRS) IsGeographic() bool {
	return geographic[c.Key()]
}
