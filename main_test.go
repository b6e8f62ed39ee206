package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/gpkg/gpkgtest"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.RunContext(context.Background(), append([]string{"gpkgengine", "--logLevel", "error"}, args...))
	require.NoError(t, err)
	return out.String()
}

// a two level web mercator pyramid and three points, two of them near the origin. The points
// table has no R-tree, so it starts out on the index tables.
func scenario(t *testing.T) string {
	t.Helper()
	g := gpkgtest.Open(t)
	gpkgtest.CreatePyramid(t, g, gpkgtest.Pyramid{
		Table: "tiles", SRS: gpkgtest.SRSWebMercator, Total: gpkgtest.WebMercatorWorld, Zooms: []int{0, 1},
	})
	gpkgtest.CreatePoints(t, g, "points", gpkgtest.SRSWebMercator, []*geom.Point{
		{1000, 2500},
		{2000, 1500},
		{-5e6, 3e6},
	})
	gpkgtest.DropRTree(t, g, "points", "geom")
	require.NoError(t, g.Close())
	return g.Path()
}

func TestEndToEnd(t *testing.T) {
	path := scenario(t)

	output := filepath.Join(t.TempDir(), "tile.png")
	metrics := filepath.Join(t.TempDir(), "metrics.prom")
	run(t, "--gpkg", path, "--metricsFile", metrics, "tile", "--table", "tiles", "--xyz", "0/0/0", "--output", output)
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(256, 256), img.Bounds().Size())
	want := gpkgtest.TileImage(0, 0, 0, 256)
	for _, p := range []image.Point{{0, 0}, {100, 200}, {255, 255}} {
		assert.Equal(t, color.RGBAModel.Convert(want.At(p.X, p.Y)), color.RGBAModel.Convert(img.At(p.X, p.Y)))
	}
	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `gpkgengine_tiles_rendered_total{path="same_projection"} 1`)

	assert.Equal(t, "1\n2\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "0,0,3000,3000"))
	assert.Equal(t, "2\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "0,0,3000,3000", "--count"))
	// a degree is roughly 111 km at the equator
	assert.Equal(t, "1\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "0,2000,3000,3000"))
	assert.Equal(t, "1\n2\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "0,0,1,1", "--crs", "EPSG:4326"))

	run(t, "--gpkg", path, "index", "--rtree")
	assert.Equal(t, "1\n2\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "0,0,3000,3000"))
	assert.Equal(t, "2\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "1500,0,3000,2000"))
	assert.Equal(t, "3\n", run(t, "--gpkg", path, "query", "--table", "points", "--bbox", "-6e6,-6e6,6e6,6e6", "--count"))
}

func TestTileCommand_worldCRS84Quad(t *testing.T) {
	path := scenario(t)
	output := filepath.Join(t.TempDir(), "tile.png")
	run(t, "--gpkg", path, "tile", "--table", "tiles", "--xyz", "1/0/0", "--tileMatrixSet", "WorldCRS84Quad", "--output", output)
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(256, 256), img.Bounds().Size())
	// tile 1/0 of zoom 1 is [-90, 0, 0, 90], inside stored tile 0/0 of zoom 1
	for _, p := range []image.Point{{64, 64}, {10, 128}, {250, 250}} {
		c := color.RGBAModel.Convert(img.At(p.X, p.Y)).(color.RGBA)
		assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), c.B, "pixel %v", p)
		assert.Equal(t, uint8(255), c.A, "pixel %v", p)
	}
}

func TestTileCommand_nothingStored(t *testing.T) {
	path := scenario(t)
	output := filepath.Join(t.TempDir(), "tile.png")
	run(t, "--gpkg", path, "tile", "--table", "tiles", "--native", "5/5/1", "--output", output)
	_, err := os.Stat(output)
	assert.True(t, os.IsNotExist(err))

	err = newApp().Run([]string{"gpkgengine", "--logLevel", "error", "--gpkg", path, "tile", "--table", "tiles", "--output", output})
	require.Error(t, err)
}

func TestParseBoundingBox(t *testing.T) {
	tests := map[string]struct {
		input   string
		want    bbox.BoundingBox
		wantErr bool
	}{
		"plain":          {input: "1,2,3,4", want: bbox.New(1, 2, 3, 4)},
		"spaces":         {input: " -1.5, 2 ,3,4e3", want: bbox.New(-1.5, 2, 3, 4000)},
		"antimeridian":   {input: "170,-10,-170,10", want: bbox.New(170, -10, -170, 10)},
		"three values":   {input: "1,2,3", wantErr: true},
		"not a number":   {input: "1,2,3,x", wantErr: true},
		"upside down":    {input: "0,10,10,0", wantErr: true},
		"empty":          {input: "", wantErr: true},
		"trailing comma": {input: "1,2,3,4,", wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parseBoundingBox(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTileAddress(t *testing.T) {
	got, err := parseTileAddress("8/5/4")
	require.NoError(t, err)
	assert.Equal(t, [3]int{8, 5, 4}, got)

	for _, input := range []string{"8/5", "a/b/c", "1/2/3/4"} {
		_, err = parseTileAddress(input)
		assert.Error(t, err, input)
	}
}
