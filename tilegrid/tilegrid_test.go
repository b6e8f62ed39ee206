package tilegrid

import (
	"fmt"
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/tms20"
)

var webMercator = bbox.New(-20037508.34, -20037508.34, 20037508.34, 20037508.34)

func TestTileColumn(t *testing.T) {
	tests := []struct {
		name      string
		x         float64
		isMaxEdge bool
		want      int
	}{
		{name: "boundary, min edge", x: 10018754.17, isMaxEdge: false, want: 3},
		{name: "boundary, max edge", x: 10018754.17, isMaxEdge: true, want: 2},
		{name: "just past boundary, max edge", x: 10018755.17, isMaxEdge: true, want: 3},
		{name: "just before boundary", x: 10018753.17, isMaxEdge: false, want: 2},
		{name: "west edge", x: -20037508.34, isMaxEdge: false, want: 0},
		{name: "west edge, max edge", x: -20037508.34, isMaxEdge: true, want: -1},
		{name: "west of matrix", x: -20037509, isMaxEdge: false, want: -1},
		{name: "east edge", x: 20037508.34, isMaxEdge: true, want: 4},
		{name: "centre", x: 0, isMaxEdge: false, want: 2},
		{name: "centre, max edge", x: 0, isMaxEdge: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TileColumn(webMercator, 4, tt.x, tt.isMaxEdge))
		})
	}
}

func TestTileRow(t *testing.T) {
	tests := []struct {
		name      string
		y         float64
		isMaxEdge bool
		want      int
	}{
		{name: "top edge", y: 20037508.34, isMaxEdge: false, want: -1},
		{name: "just below top", y: 20037508, isMaxEdge: false, want: 0},
		{name: "boundary, min edge", y: 10018754.17, isMaxEdge: false, want: 1},
		{name: "boundary, max edge", y: 10018754.17, isMaxEdge: true, want: 0},
		{name: "bottom edge, max edge", y: -20037508.34, isMaxEdge: true, want: 3},
		{name: "south of matrix", y: -20037509, isMaxEdge: true, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TileRow(webMercator, 4, tt.y, tt.isMaxEdge))
		})
	}
}

func TestTileGridForBoundingBox(t *testing.T) {
	tests := []struct {
		name  string
		query bbox.BoundingBox
		want  TileGrid
	}{
		{name: "everything", query: webMercator, want: TileGrid{MinX: 0, MaxX: 3, MinY: 0, MaxY: 3}},
		{name: "larger than total", query: webMercator.Expand(1e6, 1e6), want: TileGrid{MinX: 0, MaxX: 3, MinY: 0, MaxY: 3}},
		{name: "north east quarter", query: bbox.New(0, 0, 20037508.34, 20037508.34), want: TileGrid{MinX: 2, MaxX: 3, MinY: 0, MaxY: 1}},
		{name: "one cell", query: bbox.New(-10018754.17, 0, 0, 10018754.17), want: TileGrid{MinX: 1, MaxX: 1, MinY: 1, MaxY: 1}},
		{name: "inside one cell", query: bbox.New(1, 1, 2, 2), want: TileGrid{MinX: 2, MaxX: 2, MinY: 1, MaxY: 1}},
		{name: "west of total", query: bbox.New(-30000000, 0, -25000000, 1), want: Empty},
		{name: "east of total", query: bbox.New(25000000, 0, 30000000, 1), want: Empty},
		{name: "north of total", query: bbox.New(0, 25000000, 1, 30000000), want: Empty},
		{name: "south of total", query: bbox.New(0, -30000000, 1, -25000000), want: Empty},
		{name: "touching east edge", query: bbox.New(20037508.34, 0, 30000000, 1), want: Empty},
		{name: "touching west edge", query: bbox.New(-30000000, 0, -20037508.34, 1), want: Empty},
		{name: "wrapped", query: bbox.New(10, 0, -10, 1), want: Empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TileGridForBoundingBox(webMercator, 4, 4, tt.query)
			assert.Equal(t, tt.want, got)
			if tt.want.Empty() {
				assert.True(t, got.Empty())
				assert.Equal(t, 0, got.Count())
			}
		})
	}
}

func TestTileGrid_roundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42)) //nolint:gosec
	totals := []bbox.BoundingBox{
		webMercator,
		bbox.New(-180, -90, 180, 90),
		bbox.New(-285401.92, 22598.08, 595401.92, 903401.92),
		bbox.New(0.1, 0.2, 0.7, 0.3),
	}
	for _, total := range totals {
		for i := 0; i < 200; i++ {
			w := 1 + r.Intn(64)
			h := 1 + r.Intn(64)
			c := r.Intn(w)
			row := r.Intn(h)
			cellBox := TileBoundingBox(total, w, h, c, row)
			got := TileGridForBoundingBox(total, w, h, cellBox)
			require.Equalf(t, TileGrid{MinX: c, MaxX: c, MinY: row, MaxY: row}, got,
				"total %v, %dx%d, cell %d/%d: %v", total, w, h, c, row, cellBox)
		}
	}
}

func TestTileBoundingBox(t *testing.T) {
	got := TileBoundingBox(webMercator, 4, 4, 3, 0)
	assert.InDelta(t, 10018754.17, got.MinX, 1e-6)
	assert.Equal(t, 20037508.34, got.MaxX)
	assert.InDelta(t, 10018754.17, got.MinY, 1e-6)
	assert.Equal(t, 20037508.34, got.MaxY)
}

func TestPixels(t *testing.T) {
	box := bbox.New(0, 0, 100, 50)
	assert.Equal(t, 0., XPixel(256, box, 0))
	assert.Equal(t, 128., XPixel(256, box, 50))
	assert.Equal(t, 256., XPixel(256, box, 100))
	assert.Equal(t, 0., YPixel(256, box, 50))
	assert.Equal(t, 256., YPixel(256, box, 0))
	assert.Equal(t, 64., YPixel(256, box, 37.5))
}

func TestDeterminePositionAndScale(t *testing.T) {
	total := bbox.New(0, 0, 512, 512)
	tests := []struct {
		name    string
		tileBox bbox.BoundingBox
		want    image.Rectangle
	}{
		{name: "same", tileBox: total, want: image.Rect(0, 0, 256, 256)},
		{name: "top left quarter", tileBox: bbox.New(0, 256, 256, 512), want: image.Rect(0, 0, 128, 128)},
		{name: "bottom right quarter", tileBox: bbox.New(256, 0, 512, 256), want: image.Rect(128, 128, 256, 256)},
		{name: "twice as large", tileBox: bbox.New(-256, -256, 768, 768), want: image.Rect(-128, -128, 384, 384)},
		{name: "outside", tileBox: bbox.New(1024, 0, 1536, 512), want: image.Rect(512, 0, 768, 256)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeterminePositionAndScale(tt.tileBox, 256, 256, total, 256, 256)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeterminePositionAndScale_adjacentTilesShareEdges(t *testing.T) {
	total := bbox.New(0, 0, 1000, 1000)
	target := bbox.New(13, 17, 871, 903)
	for c := 0; c < 3; c++ {
		left := TileBoundingBox(total, 3, 3, c, 1)
		right := TileBoundingBox(total, 3, 3, c+1, 1)
		l := DeterminePositionAndScale(left, 256, 256, target, 256, 256)
		r := DeterminePositionAndScale(right, 256, 256, target, 256, 256)
		assert.Equal(t, l.Max.X, r.Min.X, fmt.Sprintf("column %d", c))
	}
}

func TestWebMercatorBoundingBox(t *testing.T) {
	world := WebMercatorTotal()
	got, ok := WebMercatorBoundingBox(0, 0, 0)
	require.True(t, ok)
	assert.InDelta(t, world.MinX, got.MinX, 1e-6)
	assert.InDelta(t, world.MaxY, got.MaxY, 1e-6)

	got, ok = WebMercatorBoundingBox(1, 0, 1)
	require.True(t, ok)
	assert.InDelta(t, 0, got.MinX, 1e-6)
	assert.InDelta(t, 0, got.MinY, 1e-6)
	assert.InDelta(t, world.MaxX, got.MaxX, 1e-6)

	_, ok = WebMercatorBoundingBox(2, 0, 1)
	assert.False(t, ok)
	_, ok = WebMercatorBoundingBox(0, 0, 40)
	assert.False(t, ok)
}

func TestWellKnownBoundingBox(t *testing.T) {
	got, crs, ok := WellKnownBoundingBox(tms20.WorldCRS84Quad, 1, 0, 0)
	require.True(t, ok)
	assert.Equal(t, proj.WGS84, crs)
	assert.InDelta(t, 0, got.MinX, 1e-9)
	assert.InDelta(t, -90, got.MinY, 1e-9)
	assert.InDelta(t, 180, got.MaxX, 1e-9)
	assert.InDelta(t, 90, got.MaxY, 1e-9)

	_, _, ok = WellKnownBoundingBox(tms20.WorldCRS84Quad, 0, 1, 0)
	assert.False(t, ok, "zoom 0 has a single row")
	_, _, ok = WellKnownBoundingBox("NetherlandsRDNewQuad", 0, 0, 0)
	assert.False(t, ok)
}
