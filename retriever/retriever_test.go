package retriever

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/gpkg/gpkgtest"
	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/raster"
	"github.com/pdok/gpkgengine/tilecreator"
	"github.com/pdok/gpkgengine/tms20"
)

func newRetriever(t *testing.T, skip func(zoom, column, row int) bool, opts Options) (*Retriever, *observability.Metrics) {
	t.Helper()
	g := gpkgtest.Open(t)
	gpkgtest.CreatePyramid(t, g, gpkgtest.Pyramid{
		Table: "tiles", SRS: gpkgtest.SRSWebMercator, Total: gpkgtest.WebMercatorWorld, Zooms: []int{0, 1}, Skip: skip,
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts.Metrics = metrics
	r, err := New(context.Background(), g, "tiles", proj.NewRegistry(), opts)
	require.NoError(t, err)
	return r, metrics
}

func assertSameImage(t *testing.T, want, got image.Image) {
	t.Helper()
	require.Equal(t, want.Bounds().Size(), got.Bounds().Size())
	wb, gb := want.Bounds(), got.Bounds()
	for y := 0; y < wb.Dy(); y++ {
		for x := 0; x < wb.Dx(); x++ {
			wc := color.RGBAModel.Convert(want.At(wb.Min.X+x, wb.Min.Y+y))
			gc := color.RGBAModel.Convert(got.At(gb.Min.X+x, gb.Min.Y+y))
			if wc != gc {
				require.Failf(t, "pixel differs", "(%d,%d): want %v, got %v", x, y, wc, gc)
			}
		}
	}
}

func blueAt(img image.Image, x, y int) uint8 {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA).B
}

func TestNew(t *testing.T) {
	r, _ := newRetriever(t, nil, Options{})
	assert.Equal(t, "tiles", r.Table())
	assert.True(t, r.CRS().IsWebMercator())
	assert.Equal(t, []int{0, 1}, r.Zooms())
	assert.Equal(t, gpkgtest.WebMercatorWorld, r.TileMatrixSet().BoundingBox)

	_, err := New(context.Background(), gpkgtest.Open(t), "nope", proj.NewRegistry(), Options{})
	require.Error(t, err)
}

func TestGetTile(t *testing.T) {
	ctx := context.Background()
	r, metrics := newRetriever(t, nil, Options{})

	result, err := r.GetTile(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, image.Pt(256, 256), result.Image.Bounds().Size())
	assert.Equal(t, 0, result.Zoom)
	assert.False(t, result.Reprojected)
	assertSameImage(t, gpkgtest.TileImage(0, 0, 0, 256), result.Image)

	result, err = r.GetTile(ctx, 1, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Zoom)
	assertSameImage(t, gpkgtest.TileImage(1, 1, 0, 256), result.Image)

	assert.Equal(t, 2., testutil.ToFloat64(metrics.TilesRendered.WithLabelValues(observability.PathSameProjection)))
}

func TestGetTile_finerThanStored(t *testing.T) {
	r, _ := newRetriever(t, nil, Options{})
	// x 5/8..6/8, y 2/8..3/8 lies in the top right tile of zoom 1
	result, err := r.GetTile(context.Background(), 5, 2, 3)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Zoom)
	for _, p := range []image.Point{{0, 0}, {128, 128}, {255, 255}} {
		assert.Equal(t, gpkgtest.TileBlue(1, 1, 0), blueAt(result.Image, p.X, p.Y))
	}
	// a quarter of a stored tile, scaled up four times: the center is at 3/8 of its width and 5/8 of its height
	c := color.RGBAModel.Convert(result.Image.At(128, 128)).(color.RGBA)
	assert.Equal(t, uint8(96), c.R)
	assert.Equal(t, uint8(160), c.G)
}

func TestGetTile_fallsBackToOtherZoom(t *testing.T) {
	r, _ := newRetriever(t, func(zoom, column, row int) bool { return zoom == 1 && column == 1 && row == 1 }, Options{})
	result, err := r.GetTile(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Zoom)
	assert.Equal(t, gpkgtest.TileBlue(0, 0, 0), blueAt(result.Image, 100, 100))
}

func TestGetTile_notFound(t *testing.T) {
	r, metrics := newRetriever(t, func(int, int, int) bool { return true }, Options{})
	result, err := r.GetTile(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1., testutil.ToFloat64(metrics.TilesNotFound))

	// not an XYZ address
	result, err = r.GetTile(context.Background(), 2, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetWellKnownTile(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, nil, Options{})

	// the western half of the world in WGS84, from the web mercator tiles of zoom 1
	result, err := r.GetWellKnownTile(ctx, tms20.WorldCRS84Quad, 0, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Reprojected)
	assert.Equal(t, proj.WGS84, result.CRS)
	assert.Equal(t, 1, result.Zoom)
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), blueAt(result.Image, 64, 64))
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 1), blueAt(result.Image, 64, 192))
	// beyond the latitude web mercator reaches
	assert.Equal(t, uint8(0), color.RGBAModel.Convert(result.Image.At(128, 0)).(color.RGBA).A)

	result, err = r.GetWellKnownTile(ctx, tms20.WorldCRS84Quad, 0, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = r.GetWellKnownTile(ctx, "NetherlandsRDNewQuad", 0, 0, 0)
	require.Error(t, err)
}

func TestGetNativeTile(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, nil, Options{})

	result, err := r.GetNativeTile(ctx, 0, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	assertSameImage(t, gpkgtest.TileImage(1, 0, 1, 256), result.Image)

	result, err = r.GetNativeTile(ctx, 2, 0, 1)
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = r.GetNativeTile(ctx, 0, 0, 7)
	require.ErrorIs(t, err, ErrZoomNotFound)
	var zoomErr *ZoomNotFoundError
	require.True(t, errors.As(err, &zoomErr))
	assert.Equal(t, 7, zoomErr.Zoom)
	assert.Equal(t, "tiles", zoomErr.Table)
}

func TestGetTileForBoundingBox(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, nil, Options{Width: 128, Height: 128})

	result, err := r.GetTileForBoundingBox(ctx, gpkgtest.WebMercatorWorld, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, image.Pt(128, 128), result.Image.Bounds().Size())
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), blueAt(result.Image, 10, 10))
	assert.Equal(t, gpkgtest.TileBlue(1, 1, 0), blueAt(result.Image, 100, 10))
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 1), blueAt(result.Image, 10, 100))
	assert.Equal(t, gpkgtest.TileBlue(1, 1, 1), blueAt(result.Image, 100, 100))

	outside := bbox.New(3e7, 3e7, 4e7, 4e7)
	result, err = r.GetTileForBoundingBox(ctx, outside, 1)
	require.NoError(t, err)
	assert.Nil(t, result)

	// a box that only touches the matrix edge has no tiles
	touching := bbox.New(gpkgtest.WebMercatorWorld.MaxX, 0, gpkgtest.WebMercatorWorld.MaxX+1000, 1000)
	result, err = r.GetTileForBoundingBox(ctx, touching, 1)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetTileWithBounds_reprojects(t *testing.T) {
	ctx := context.Background()
	for name, executor := range map[string]tilecreator.Executor{"inline": tilecreator.Inline, "parallel": tilecreator.Parallel(2)} {
		t.Run(name, func(t *testing.T) {
			r, metrics := newRetriever(t, nil, Options{Executor: executor})
			result, err := r.GetTileWithBounds(ctx, bbox.New(-180, -85, 180, 85), proj.WGS84, 1)
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.True(t, result.Reprojected)
			assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), blueAt(result.Image, 64, 64))
			assert.Equal(t, gpkgtest.TileBlue(1, 1, 1), blueAt(result.Image, 192, 192))
			assert.False(t, raster.IsEmpty(result.Image))
			assert.Equal(t, 1., testutil.ToFloat64(metrics.TilesRendered.WithLabelValues(observability.PathReprojected)))
		})
	}
}

func TestGetTileWithBounds_webMercatorFromGeographic(t *testing.T) {
	ctx := context.Background()
	g := gpkgtest.Open(t)
	gpkgtest.CreatePyramid(t, g, gpkgtest.Pyramid{
		Table: "tiles", SRS: gpkgtest.SRSWGS84, Total: bbox.New(-180, -90, 180, 90), Zooms: []int{1},
	})
	r, err := New(ctx, g, "tiles", proj.NewRegistry(), Options{})
	require.NoError(t, err)

	world := gpkgtest.WebMercatorWorld
	result, err := r.GetTileWithBounds(ctx, bbox.New(world.MinX, 0, 0, world.MaxY), proj.WebMercator, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Reprojected)
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), blueAt(result.Image, 64, 64))
	assert.Equal(t, gpkgtest.TileBlue(1, 0, 0), blueAt(result.Image, 200, 200))
}

func TestGetTileWithBounds_projectionUnavailable(t *testing.T) {
	r, _ := newRetriever(t, nil, Options{})
	_, err := r.GetTileWithBounds(context.Background(), bbox.New(0, 0, 1, 1), proj.CRS{Organization: "NOWHERE", Code: 1}, 0)
	require.ErrorIs(t, err, ErrProjectionUnavailable)
}

func TestDecodeCache(t *testing.T) {
	ctx := context.Background()
	r, metrics := newRetriever(t, nil, Options{CacheSize: 8})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := r.GetTile(ctx, 0, 0, 0)
			assert.NoError(t, err)
			assert.NotNil(t, result)
		}()
	}
	wg.Wait()
	_, err := r.GetTile(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.TileCacheLookups.WithLabelValues(resultCacheHit)), 1.)
	assert.Equal(t, 1, r.cache.Len())

	disabled, metrics := newRetriever(t, nil, Options{CacheSize: -1})
	_, err = disabled.GetTile(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1., testutil.ToFloat64(metrics.TileCacheLookups.WithLabelValues(resultCacheDisabled)))
}

func TestResult_Encode(t *testing.T) {
	r, _ := newRetriever(t, nil, Options{})
	result, err := r.GetTile(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	data, err := result.Encode(raster.PNG, 0)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assertSameImage(t, result.Image, img)
}
