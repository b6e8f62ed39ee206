package geomhelp

import (
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// WktMustEncode renders a geometry for log lines, truncated to maxLen runes (0 is unlimited).
// Degenerate polygon rings are written as the lines and points they really are.
func WktMustEncode(g geom.Geometry, maxLen uint) (s string) {
	if g == nil {
		return "EMPTY"
	}
	p, isPoly := g.(geom.Polygon)
	if !isPoly {
		return wktMustEncodeTruncated(g, maxLen)
	}

	var lines []geom.LineString
	var points []geom.Point
	pp := make(geom.Polygon, 0, len(p))
	for _, ring := range p {
		switch len(ring) {
		case 0:
		case 1:
			points = append(points, ring[0])
		case 2:
			lines = append(lines, ring)
		default:
			pp = append(pp, ring)
		}
	}

	if len(pp) > 0 {
		s = wktMustEncodeTruncated(pp, maxLen)
	}
	for i := range lines {
		s += wktMustEncodeTruncated(lines[i], maxLen)
	}
	for i := range points {
		s += wktMustEncodeTruncated(points[i], maxLen)
	}
	return s
}

func wktMustEncodeTruncated(g geom.Geometry, width uint) string {
	if width == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), width, "...")
}
