// Package retriever answers tile requests from the tile pyramid of one GeoPackage tile table,
// as XYZ web map tiles, as native tile matrix tiles or for an arbitrary bounding box.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/gpkg"
	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/raster"
	"github.com/pdok/gpkgengine/tilecreator"
	"github.com/pdok/gpkgengine/tilegrid"
	"github.com/pdok/gpkgengine/tms20"
)

const (
	defaultWebTileSize  = 256
	defaultCacheSize    = 256
	webZoomTolerance    = 1e-3
	resultCacheHit      = "hit"
	resultCacheMiss     = "miss"
	resultCacheDisabled = "disabled"
)

var (
	ErrZoomNotFound          = errors.New("zoom level not found")
	ErrProjectionUnavailable = proj.ErrProjectionUnavailable
)

// ZoomNotFoundError is returned when a tile table has no tile matrix for the requested zoom level
type ZoomNotFoundError struct {
	Table string
	Zoom  int
}

func (e *ZoomNotFoundError) Error() string {
	return fmt.Sprintf("%v: zoom level %d of %v", ErrZoomNotFound, e.Zoom, e.Table)
}

func (e *ZoomNotFoundError) Is(target error) bool {
	return target == ErrZoomNotFound
}

type Options struct {
	// Width and Height of output tiles. Zero means the stored tile size for native and bounding
	// box requests, 256 for XYZ requests.
	Width, Height int
	Allocator     raster.Allocator
	Executor      tilecreator.Executor
	// CacheSize is the number of decoded stored tiles kept in memory. Negative disables the cache.
	CacheSize int
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
}

// Result is a rendered tile
type Result struct {
	Image       draw.Image
	BoundingBox bbox.BoundingBox
	CRS         proj.CRS
	// Zoom is the stored zoom level the tile was rendered from
	Zoom int
	// Reprojected is false when stored tiles were only cropped and scaled
	Reprojected bool
}

// Encode encodes the tile image; quality only applies to JPEG
func (r *Result) Encode(format raster.Format, quality int) ([]byte, error) {
	return raster.Encode(r.Image, format, quality)
}

// Retriever renders tiles from one tile table. It is safe for concurrent use.
type Retriever struct {
	gpkg     *gpkg.GeoPackage
	table    string
	set      gpkg.TileMatrixSet
	matrices []gpkg.TileMatrix
	crs      proj.CRS
	registry *proj.Registry

	opts    Options
	cache   *lru.Cache[uint64, image.Image]
	decodes singleflight.Group
	log     zerolog.Logger
	metrics *observability.Metrics
}

// New reads the tile matrix set and tile matrices of table and resolves its projection
func New(ctx context.Context, g *gpkg.GeoPackage, table string, registry *proj.Registry, opts Options) (*Retriever, error) {
	r := &Retriever{gpkg: g, table: table, registry: registry, opts: opts, log: zerolog.Nop(), metrics: opts.Metrics}
	if opts.Logger != nil {
		r.log = observability.Component(*opts.Logger, "retriever").With().Str("table", table).Logger()
	}
	if r.metrics == nil {
		r.metrics = observability.Discard()
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, fmt.Errorf("invalid tile size %dx%d", opts.Width, opts.Height)
	}
	if opts.CacheSize >= 0 {
		size := opts.CacheSize
		if size == 0 {
			size = defaultCacheSize
		}
		cache, err := lru.New[uint64, image.Image](size)
		if err != nil {
			return nil, err
		}
		r.cache = cache
	}

	var err error
	if r.set, err = g.TileMatrixSet(ctx, table); err != nil {
		return nil, err
	}
	if r.matrices, err = g.TileMatrices(ctx, table); err != nil {
		return nil, err
	}
	if err = gpkg.ValidateTileMatrices(r.set, r.matrices); err != nil {
		r.log.Warn().Err(err).Msg("tile matrices don't match the tile matrix set, tiles may be misplaced")
	}
	if r.crs, err = g.ResolveCRS(ctx, registry, r.set.SRSID); err != nil {
		return nil, fmt.Errorf("could not resolve the projection of %v: %w", table, err)
	}
	return r, nil
}

func (r *Retriever) Table() string {
	return r.table
}

func (r *Retriever) CRS() proj.CRS {
	return r.crs
}

func (r *Retriever) TileMatrixSet() gpkg.TileMatrixSet {
	return r.set
}

// Zooms returns the stored zoom levels, ascending
func (r *Retriever) Zooms() []int {
	zooms := make([]int, len(r.matrices))
	for i, m := range r.matrices {
		zooms[i] = m.ZoomLevel
	}
	return zooms
}

func (r *Retriever) matrix(zoom int) (gpkg.TileMatrix, error) {
	i := sort.Search(len(r.matrices), func(i int) bool { return r.matrices[i].ZoomLevel >= zoom })
	if i < len(r.matrices) && r.matrices[i].ZoomLevel == zoom {
		return r.matrices[i], nil
	}
	return gpkg.TileMatrix{}, &ZoomNotFoundError{Table: r.table, Zoom: zoom}
}

// GetTile returns the XYZ web map tile x/y/z (EPSG:3857, row 0 at the top). The stored zoom
// level closest in resolution that has tiles for the area is used. A nil Result means
// there are no stored tiles for the area.
func (r *Retriever) GetTile(ctx context.Context, x, y, z uint) (*Result, error) {
	return r.GetWellKnownTile(ctx, tms20.WebMercatorQuad, x, y, z)
}

// GetWellKnownTile is GetTile for the tiles of any embedded tile matrix set, e.g.
// WorldCRS84Quad. Tiles in another projection than the table's are reprojected.
func (r *Retriever) GetWellKnownTile(ctx context.Context, setID string, x, y, z uint) (*Result, error) {
	box, crs, ok := tilegrid.WellKnownBoundingBox(setID, x, y, z)
	if !ok {
		if _, err := tms20.LoadEmbeddedTileMatrixSet(setID); err != nil {
			return nil, fmt.Errorf("unknown tile matrix set %v: %w", setID, err)
		}
		return nil, nil
	}
	if len(r.matrices) == 0 {
		return nil, &ZoomNotFoundError{Table: r.table, Zoom: int(z)}
	}
	query, _, err := r.sourceQuery(box, crs, nil)
	if err != nil {
		return nil, err
	}
	width, height := r.size(defaultWebTileSize, defaultWebTileSize)
	for _, matrix := range r.webZoomCandidates(query) {
		grid := tilegrid.TileGridForBoundingBox(r.set.BoundingBox, matrix.MatrixWidth, matrix.MatrixHeight, query)
		count, err := r.gpkg.CountTilesInGrid(ctx, r.table, matrix.ZoomLevel, grid)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		result, err := r.render(ctx, box, crs, matrix, width, height)
		if err != nil || result != nil {
			r.log.Debug().Str("set", setID).Uint("z", z).Int("zoom", matrix.ZoomLevel).Msg("stored zoom level selected")
			return result, err
		}
	}
	return r.found(nil, nil)
}

// webZoomCandidates orders the stored zoom levels for a request covering query: first the
// coarsest level whose tiles aren't wider than the request, then the others by distance.
func (r *Retriever) webZoomCandidates(query bbox.BoundingBox) []gpkg.TileMatrix {
	requested := query.Width()
	best := -1
	for i, m := range r.matrices {
		span, _ := m.TileSpan()
		if span <= requested*(1+webZoomTolerance) {
			if best < 0 {
				best = i
			} else if bestSpan, _ := r.matrices[best].TileSpan(); span > bestSpan {
				best = i
			}
		}
	}
	if best < 0 {
		closest := math.Inf(1)
		for i, m := range r.matrices {
			span, _ := m.TileSpan()
			if d := math.Abs(math.Log(span / requested)); d < closest {
				best, closest = i, d
			}
		}
	}
	if best < 0 {
		best = len(r.matrices) - 1
	}

	chosen := r.matrices[best].ZoomLevel
	candidates := make([]gpkg.TileMatrix, len(r.matrices))
	copy(candidates, r.matrices)
	sort.SliceStable(candidates, func(i, j int) bool {
		di := abs(candidates[i].ZoomLevel - chosen)
		dj := abs(candidates[j].ZoomLevel - chosen)
		if di != dj {
			return di < dj
		}
		return candidates[i].ZoomLevel > candidates[j].ZoomLevel
	})
	return candidates
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// GetNativeTile returns the tile at column/row of the stored zoom level, addressed the
// GeoPackage way (row 0 at the top of the tile matrix set).
func (r *Retriever) GetNativeTile(ctx context.Context, column, row, zoom int) (*Result, error) {
	matrix, err := r.matrix(zoom)
	if err != nil {
		return nil, err
	}
	if column < 0 || row < 0 || column >= matrix.MatrixWidth || row >= matrix.MatrixHeight {
		return nil, nil
	}
	box := tilegrid.TileBoundingBox(r.set.BoundingBox, matrix.MatrixWidth, matrix.MatrixHeight, column, row)
	width, height := r.size(matrix.TileWidth, matrix.TileHeight)
	return r.found(r.render(ctx, box, r.crs, matrix, width, height))
}

// GetTileForBoundingBox returns a tile covering box, in the projection of the tile table,
// rendered from the stored zoom level
func (r *Retriever) GetTileForBoundingBox(ctx context.Context, box bbox.BoundingBox, zoom int) (*Result, error) {
	return r.GetTileWithBounds(ctx, box, r.crs, zoom)
}

// GetTileWithBounds returns a tile covering box, in projection crs, rendered from the
// stored zoom level
func (r *Retriever) GetTileWithBounds(ctx context.Context, box bbox.BoundingBox, crs proj.CRS, zoom int) (*Result, error) {
	matrix, err := r.matrix(zoom)
	if err != nil {
		return nil, err
	}
	width, height := r.size(matrix.TileWidth, matrix.TileHeight)
	return r.found(r.render(ctx, box, crs, matrix, width, height))
}

// found counts requests that end without stored tiles
func (r *Retriever) found(result *Result, err error) (*Result, error) {
	if result == nil && err == nil {
		r.metrics.TilesNotFound.Inc()
	}
	return result, err
}

func (r *Retriever) size(defaultWidth, defaultHeight int) (int, int) {
	width, height := r.opts.Width, r.opts.Height
	if width == 0 {
		width = defaultWidth
	}
	if height == 0 {
		height = defaultHeight
	}
	return width, height
}

// sourceQuery returns box in the projection of the tile table. With a matrix, a reprojected
// query is padded by half a stored pixel so edge pixels find their source tile.
func (r *Retriever) sourceQuery(box bbox.BoundingBox, crs proj.CRS, matrix *gpkg.TileMatrix) (bbox.BoundingBox, bool, error) {
	if proj.SameProjection(crs, r.crs) {
		return box, false, nil
	}
	conversion, err := r.registry.Conversion(crs, r.crs)
	if err != nil {
		return bbox.BoundingBox{}, true, err
	}
	var query bbox.BoundingBox
	if r.crs.IsGeographic() {
		query, err = box.ProjectUnwrapped(conversion, 360)
	} else {
		query, err = box.Project(conversion)
	}
	if err != nil {
		return bbox.BoundingBox{}, true, fmt.Errorf("could not project %v from %v to %v: %w", box, crs, r.crs, err)
	}
	if matrix != nil {
		query = query.Expand(matrix.PixelXSize/2, matrix.PixelYSize/2)
	}
	return query, true, nil
}

// render composites the stored tiles of matrix overlapping box. A nil Result means none contributed.
func (r *Retriever) render(ctx context.Context, box bbox.BoundingBox, crs proj.CRS, matrix gpkg.TileMatrix, width, height int) (*Result, error) {
	start := time.Now()
	if !box.IsValid() || box.IsWrapped() || box.Width() <= 0 || box.Height() <= 0 {
		return nil, nil
	}
	query, reprojected, err := r.sourceQuery(box, crs, &matrix)
	if err != nil {
		return nil, err
	}
	grid := tilegrid.TileGridForBoundingBox(r.set.BoundingBox, matrix.MatrixWidth, matrix.MatrixHeight, query)
	tiles, err := r.gpkg.TilesInGrid(ctx, r.table, matrix.ZoomLevel, grid)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, nil
	}

	creator, err := tilecreator.New(r.registry, tilecreator.Job{
		Width: width, Height: height, BoundingBox: box, CRS: crs,
		SourceSet: r.set, SourceMatrix: matrix, SourceCRS: r.crs,
	}, tilecreator.Options{
		Allocator: r.opts.Allocator,
		Executor:  r.opts.Executor,
		Logger:    &r.log,
		Metrics:   r.metrics,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tiles {
		img, err := r.decode(t.Data)
		if err != nil {
			return nil, fmt.Errorf("tile %d/%d/%d of %v: %w", t.ZoomLevel, t.Column, t.Row, r.table, err)
		}
		if err = creator.LoadSourceTile(ctx, t.Column, t.Row, img); err != nil {
			return nil, err
		}
	}
	out, err := creator.Finish(ctx)
	if err != nil {
		return nil, err
	}
	if len(creator.Chunks()) == 0 {
		return nil, nil
	}

	path := observability.PathSameProjection
	if reprojected {
		path = observability.PathReprojected
	}
	r.metrics.TilesRendered.WithLabelValues(path).Inc()
	r.metrics.RenderDuration.Observe(time.Since(start).Seconds())
	r.log.Debug().Int("zoom", matrix.ZoomLevel).Stringer("grid", grid).Str("path", path).
		Dur("took", time.Since(start)).Msg("tile rendered")

	return &Result{Image: out, BoundingBox: box, CRS: crs, Zoom: matrix.ZoomLevel, Reprojected: reprojected}, nil
}

// decode decodes a stored tile blob. Decoded tiles are cached by content and shared
// read-only between concurrent requests.
func (r *Retriever) decode(data []byte) (image.Image, error) {
	if r.cache == nil {
		r.metrics.TileCacheLookups.WithLabelValues(resultCacheDisabled).Inc()
		img, _, err := raster.Decode(data)
		return img, err
	}
	key := xxhash.Sum64(data)
	if img, ok := r.cache.Get(key); ok {
		r.metrics.TileCacheLookups.WithLabelValues(resultCacheHit).Inc()
		return img, nil
	}
	r.metrics.TileCacheLookups.WithLabelValues(resultCacheMiss).Inc()
	v, err, _ := r.decodes.Do(strconv.FormatUint(key, 16), func() (any, error) {
		img, _, err := raster.Decode(data)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}
