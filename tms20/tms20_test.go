package tms20

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/proj"
)

func TestLoadEmbeddedTileMatrixSet(t *testing.T) {
	tests := []struct {
		id    string
		crs   proj.CRS
		zooms int
	}{
		{id: WebMercatorQuad, crs: proj.WebMercator, zooms: 25},
		{id: WorldCRS84Quad, crs: proj.WGS84, zooms: 18},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := LoadEmbeddedTileMatrixSet(tt.id)
			require.NoErrorf(t, err, "LoadEmbeddedTileMatrixSet() error = %v", err)

			assert.Equal(t, tt.id, got.ID)
			crs, err := got.ProjCRS()
			require.NoError(t, err)
			assert.Equal(t, tt.crs, crs)
			require.Len(t, got.Zooms(), tt.zooms)
			assert.Equal(t, 0, got.Zooms()[0])

			again, err := LoadEmbeddedTileMatrixSet(tt.id)
			require.NoError(t, err)
			require.Equal(t, got.ID, again.ID)
		})
	}
}

func TestLoadEmbeddedTileMatrixSet_unknown(t *testing.T) {
	_, err := LoadEmbeddedTileMatrixSet("NetherlandsRDNewQuad")
	require.Error(t, err)
	require.Panics(t, func() { MustLoadEmbeddedTileMatrixSet("NetherlandsRDNewQuad") })
}

func TestLoadJSONTileMatrixSet(t *testing.T) {
	jsonFilePath, err := filepath.Abs(path.Join("testdata", "SmallBottomLeft.json"))
	require.NoError(t, err)
	got, err := LoadJSONTileMatrixSet(jsonFilePath)
	require.NoErrorf(t, err, "LoadJSONTileMatrixSet() error = %v", err)

	assert.Equal(t, "SmallBottomLeft", got.ID)
	assert.Equal(t, "Amersfoort / RD New", got.CRS.Description())
	assert.Equal(t, BottomLeft, got.TileMatrices[0].CornerOfOrigin)
	assert.Equal(t, TwoDPoint{0, 0}, got.TileMatrices[0].PointOfOrigin)
	crs, err := got.ProjCRS()
	require.NoError(t, err)
	assert.Equal(t, proj.CRS{Organization: proj.EPSG, Code: 28992}, crs)
}

func TestLoadJSONTileMatrixSet_invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{name: "no crs", json: `{"tileMatrices": []}`},
		{name: "no matrices", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857"}`},
		{name: "bad crs uri", json: `{"crs": "EPSG:3857", "tileMatrices": []}`},
		{name: "non integer id", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857", "tileMatrices": [
			{"id": "a", "scaleDenominator": 1, "cellSize": 1, "pointOfOrigin": [0, 0],
			 "tileWidth": 256, "tileHeight": 256, "matrixWidth": 1, "matrixHeight": 1}]}`},
		{name: "zero cell size", json: `{"crs": "http://www.opengis.net/def/crs/EPSG/0/3857", "tileMatrices": [
			{"id": "0", "scaleDenominator": 1, "cellSize": 0, "pointOfOrigin": [0, 0],
			 "tileWidth": 256, "tileHeight": 256, "matrixWidth": 1, "matrixHeight": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "tms.json")
			require.NoError(t, os.WriteFile(p, []byte(tt.json), 0o600))
			_, err := LoadJSONTileMatrixSet(p)
			require.Error(t, err)
		})
	}
}

func TestTileMatrixSet_Size(t *testing.T) {
	type args struct {
		zoom uint
	}
	type want struct {
		ok   bool
		tile *slippy.Tile
	}
	tests := []struct {
		id string
		args
		want
	}{
		{id: WebMercatorQuad,
			args: args{0},
			want: want{ok: true, tile: &slippy.Tile{Z: 0, X: 1, Y: 1}}},
		{id: WebMercatorQuad,
			args: args{3},
			want: want{ok: true, tile: &slippy.Tile{Z: 3, X: 8, Y: 8}}},
		{id: WorldCRS84Quad,
			args: args{0},
			want: want{ok: true, tile: &slippy.Tile{Z: 0, X: 2, Y: 1}}},
		{id: WebMercatorQuad,
			args: args{99},
			want: want{ok: false, tile: nil}},
		{id: "SmallBottomLeft",
			args: args{0},
			want: want{ok: true, tile: &slippy.Tile{Z: 0, X: 2, Y: 4}}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v.Size(%v)", tt.id, tt.zoom), func(t *testing.T) {
			tms, err := loadTestOrEmbeddedTileMatrix(tt.id)
			require.NoError(t, err)
			tile, ok := tms.Size(tt.args.zoom)
			if ok != tt.ok {
				t.Errorf("Size(...) ok = %v, want %v", ok, tt.ok)
			}
			if ok {
				require.Equal(t, tt.tile, tile)
			}
		})
	}
}

func TestTileMatrixSet_ToNative(t *testing.T) {
	type args struct {
		tile *slippy.Tile
	}
	type want struct {
		ok bool
		pt geom.Point
	}
	tests := []struct {
		id string
		args
		want
	}{
		{WorldCRS84Quad,
			args{&slippy.Tile{Z: 0, X: 1, Y: 0}},
			want{ok: true, pt: geom.Point{0, 90}}},
		{WebMercatorQuad,
			args{&slippy.Tile{Z: 0, X: 0, Y: 0}},
			want{ok: true, pt: geom.Point{-20037508.3427892, 20037508.3427892}}},
		{WebMercatorQuad,
			args{&slippy.Tile{Z: 0, X: 2, Y: 0}},
			want{ok: false}},
		{"SmallBottomLeft",
			args{&slippy.Tile{Z: 0, X: 1, Y: 1}},
			want{ok: true, pt: geom.Point{256.0, 512.0}}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v.ToNative(%v)", tt.id, tt.tile), func(t *testing.T) {
			tms, err := loadTestOrEmbeddedTileMatrix(tt.id)
			require.NoError(t, err)
			point, ok := tms.ToNative(tt.tile)
			if ok != tt.ok {
				t.Errorf("ToNative(...) ok = %v, want %v", ok, tt.ok)
			}
			if ok {
				require.Equal(t, tt.pt, point)
			}
		})
	}
}

func TestTileMatrixSet_TileBoundingBox(t *testing.T) {
	tms := MustLoadEmbeddedTileMatrixSet(WebMercatorQuad)
	got, ok := tms.TileBoundingBox(slippy.NewTile(1, 0, 1))
	require.True(t, ok)
	assert.InDelta(t, -20037508.3427892, got.MinX, 1e-6)
	assert.InDelta(t, -20037508.3427892, got.MinY, 1e-6)
	assert.InDelta(t, 0, got.MaxX, 1e-6)
	assert.InDelta(t, 0, got.MaxY, 1e-6)

	_, ok = tms.TileBoundingBox(slippy.NewTile(30, 0, 0))
	assert.False(t, ok)
}

func TestTileMatrixSet_MatrixBoundingBox(t *testing.T) {
	tests := []struct {
		id         string
		tmID       TMID
		bottomLeft geom.Point
		topRight   geom.Point
	}{
		{WebMercatorQuad, 4, geom.Point{-20037508.3427892, -20037508.3427892}, geom.Point{20037508.3427892, 20037508.3427892}},
		{WorldCRS84Quad, 2, geom.Point{-180, -90}, geom.Point{180, 90}},
		{"SmallBottomLeft", 1, geom.Point{0, 0}, geom.Point{512, 1024}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v.MatrixBoundingBox(%v)", tt.id, tt.tmID), func(t *testing.T) {
			tms, err := loadTestOrEmbeddedTileMatrix(tt.id)
			require.NoError(t, err)
			bottomLeft, topRight, err := tms.MatrixBoundingBox(tt.tmID)
			require.NoError(t, err)
			got := bbox.New(bottomLeft.X(), bottomLeft.Y(), topRight.X(), topRight.Y())
			want := bbox.New(tt.bottomLeft.X(), tt.bottomLeft.Y(), tt.topRight.X(), tt.topRight.Y())
			assert.InDelta(t, want.MinX, got.MinX, 1e-6)
			assert.InDelta(t, want.MinY, got.MinY, 1e-6)
			assert.InDelta(t, want.MaxX, got.MaxX, 1e-6)
			assert.InDelta(t, want.MaxY, got.MaxY, 1e-6)
		})
	}

	tms := MustLoadEmbeddedTileMatrixSet(WorldCRS84Quad)
	_, _, err := tms.MatrixBoundingBox(99)
	require.Error(t, err)
}

func loadTestOrEmbeddedTileMatrix(id string) (TileMatrixSet, error) {
	p, err := filepath.Abs(path.Join("testdata", id+".json"))
	if err != nil {
		return TileMatrixSet{}, err
	}
	tms, err := LoadJSONTileMatrixSet(p)
	if err != nil {
		tms, err = LoadEmbeddedTileMatrixSet(id)
	}
	return tms, err
}
