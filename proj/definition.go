package proj

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wroge/wgs84"
)

type spheroid struct {
	a, fi float64
}

func (s spheroid) A() float64 {
	return s.a
}

func (s spheroid) Fi() float64 {
	return s.fi
}

var (
	wgs84Spheroid = spheroid{a: 6378137, fi: 298.257223563}
	grs80Spheroid = spheroid{a: 6378137, fi: 298.257222101}
	bessel1841    = spheroid{a: 6377397.155, fi: 299.1528128}
	intl1924      = spheroid{a: 6378388, fi: 297}

	ellipsoids = map[string]spheroid{
		"WGS84":  wgs84Spheroid,
		"GRS80":  grs80Spheroid,
		"BESSEL": bessel1841,
		"INTL":   intl1924,
	}
)

var (
	wktAuthority = regexp.MustCompile(`AUTHORITY\[\s*"([^"]+)"\s*,\s*"?(\d+)"?\s*\]`)
	wktID        = regexp.MustCompile(`ID\[\s*"([^"]+)"\s*,\s*(\d+)\s*\]`)
	wktSpheroid  = regexp.MustCompile(`(?:SPHEROID|ELLIPSOID)\[\s*"[^"]*"\s*,\s*([0-9.eE+-]+)\s*,\s*([0-9.eE+-]+)`)
	wktParameter = regexp.MustCompile(`PARAMETER\[\s*"([^"]+)"\s*,\s*([0-9.eE+-]+)`)
	wktMethod    = regexp.MustCompile(`(?:PROJECTION|METHOD)\[\s*"([^"]+)"`)
)

// parseDefinition turns a raw gpkg_spatial_ref_sys definition into a coordinate reference system.
// PROJ strings (+proj=...) and WKT (1 and 2) are recognized. For WKT the outermost authority is
// tried first, then the projection parameters.
func parseDefinition(definition string, lookup func(int) (wgs84.CoordinateReferenceSystem, bool)) (wgs84.CoordinateReferenceSystem, error) {
	definition = strings.TrimSpace(definition)
	var none wgs84.CoordinateReferenceSystem
	switch {
	case definition == "" || strings.EqualFold(definition, "undefined"):
		return none, fmt.Errorf("no definition")
	case strings.HasPrefix(definition, "+"):
		return parseProjString(definition)
	default:
		return parseWKT(definition, lookup)
	}
}

func parseProjString(definition string) (wgs84.CoordinateReferenceSystem, error) {
	var none wgs84.CoordinateReferenceSystem
	params := make(map[string]string)
	for _, token := range strings.Fields(definition) {
		token = strings.TrimPrefix(token, "+")
		key, value, _ := strings.Cut(token, "=")
		params[key] = value
	}
	number := func(key string, fallback float64) (float64, error) {
		raw, ok := params[key]
		if !ok {
			return fallback, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("proj parameter %v=%q: %w", key, raw, err)
		}
		return f, nil
	}

	s := wgs84Spheroid
	if ellps, ok := params["ellps"]; ok {
		known, ok := ellipsoids[strings.ToUpper(ellps)]
		if !ok {
			return none, fmt.Errorf("unsupported ellipsoid %q", ellps)
		}
		s = known
	}
	if _, ok := params["a"]; ok {
		a, err := number("a", 0)
		if err != nil {
			return none, err
		}
		s = spheroid{a: a}
		if rf, err := number("rf", 0); err == nil && rf > 0 {
			s.fi = rf
		} else if b, err := number("b", a); err == nil && b != a {
			s.fi = a / (a - b)
		}
	}

	switch params["proj"] {
	case "longlat", "latlong", "lonlat":
		return datum(s).LonLat(), nil
	case "merc":
		// spherical mercator on the WGS84 semi major axis is Web Mercator
		if s.a == 6378137 && (s.fi == 0 || params["nadgrids"] == "@null") {
			return wgs84.WebMercator(), nil
		}
		return none, fmt.Errorf("unsupported mercator variant %q", definition)
	case "utm":
		zone, err := number("zone", 0)
		if err != nil || zone < 1 || zone > 60 {
			return none, fmt.Errorf("invalid utm zone in %q", definition)
		}
		northing := 0.
		if _, south := params["south"]; south {
			northing = 10000000
		}
		return datum(s).TransverseMercator(zone*6-183, 0, 0.9996, 500000, northing), nil
	case "tmerc":
		lon0, err := number("lon_0", 0)
		if err != nil {
			return none, err
		}
		lat0, err := number("lat_0", 0)
		if err != nil {
			return none, err
		}
		k, err := number("k", 1)
		if err != nil {
			return none, err
		}
		if _, ok := params["k_0"]; ok {
			if k, err = number("k_0", 1); err != nil {
				return none, err
			}
		}
		x0, err := number("x_0", 0)
		if err != nil {
			return none, err
		}
		y0, err := number("y_0", 0)
		if err != nil {
			return none, err
		}
		return datum(s).TransverseMercator(lon0, lat0, k, x0, y0), nil
	default:
		return none, fmt.Errorf("unsupported projection %q", params["proj"])
	}
}

func parseWKT(definition string, lookup func(int) (wgs84.CoordinateReferenceSystem, bool)) (wgs84.CoordinateReferenceSystem, error) {
	var none wgs84.CoordinateReferenceSystem
	// the outermost authority closes the definition, so it's the last match
	for _, re := range []*regexp.Regexp{wktAuthority, wktID} {
		matches := re.FindAllStringSubmatch(definition, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1]
		if strings.EqualFold(last[1], EPSG) {
			code, err := strconv.Atoi(last[2])
			if err == nil {
				if system, ok := lookup(code); ok {
					return system, nil
				}
			}
		}
	}

	s := wgs84Spheroid
	if m := wktSpheroid.FindStringSubmatch(definition); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		rf, errRf := strconv.ParseFloat(m[2], 64)
		if errA == nil && errRf == nil {
			s = spheroid{a: a, fi: rf}
		}
	}

	method := wktMethod.FindStringSubmatch(definition)
	if method == nil {
		upper := strings.ToUpper(definition)
		if strings.HasPrefix(upper, "GEOGCS") || strings.HasPrefix(upper, "GEOGCRS") || strings.HasPrefix(upper, "GEODCRS") {
			return datum(s).LonLat(), nil
		}
		return none, fmt.Errorf("unrecognized WKT definition")
	}
	if !strings.Contains(strings.ToLower(strings.ReplaceAll(method[1], " ", "_")), "transverse_mercator") {
		return none, fmt.Errorf("unsupported WKT projection %q", method[1])
	}
	params := make(map[string]float64)
	for _, m := range wktParameter.FindAllStringSubmatch(definition, -1) {
		f, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		params[strings.ToLower(strings.ReplaceAll(m[1], " ", "_"))] = f
	}
	k, ok := params["scale_factor"]
	if !ok {
		k, ok = params["scale_factor_at_natural_origin"]
		if !ok {
			k = 1
		}
	}
	return datum(s).TransverseMercator(
		firstOf(params, "central_meridian", "longitude_of_natural_origin"),
		firstOf(params, "latitude_of_origin", "latitude_of_natural_origin"),
		k,
		firstOf(params, "false_easting"),
		firstOf(params, "false_northing"),
	), nil
}

func firstOf(params map[string]float64, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			return v
		}
	}
	return 0
}

func datum(s spheroid) wgs84.Datum {
	return wgs84.Datum{Spheroid: s}
}
