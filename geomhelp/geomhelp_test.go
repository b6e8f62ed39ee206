package geomhelp

import (
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
)

func TestWktMustEncode(t *testing.T) {
	tests := map[string]struct {
		geom   geom.Geometry
		maxLen uint
		want   string
	}{
		"point": {
			geom: geom.Point{1, 2},
			want: "POINT (1 2)",
		},
		"truncated": {
			geom:   geom.LineString{{0, 0}, {10, 10}, {20, 20}},
			maxLen: 14,
			want:   "LINESTRING ...",
		},
		"degenerate rings": {
			geom: geom.Polygon{{{0, 0}, {1, 1}}, {{5, 5}}},
			want: "LINESTRING (0 0,1 1)POINT (5 5)",
		},
		"nil": {
			geom: nil,
			want: "EMPTY",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, WktMustEncode(tt.geom, tt.maxLen))
		})
	}
}
