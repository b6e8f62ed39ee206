// Package tilecreator composites stored tiles into one output tile, scaling them when the
// stored pyramid and the requested tile share a projection and reprojecting pixel by pixel
// when they don't.
package tilecreator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	xdraw "golang.org/x/image/draw"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/gpkg"
	"github.com/pdok/gpkgengine/mapslicehelp"
	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/raster"
	"github.com/pdok/gpkgengine/tilegrid"
)

var ErrProjectionUnavailable = proj.ErrProjectionUnavailable

// destinationPadding widens the canvas area a reprojected tile is expected to cover,
// projected edges are not straight lines
const destinationPadding = 2

// destinationSamples is the number of steps along each side of a source tile that are
// projected to estimate where it lands
const destinationSamples = 8

type TileCreator interface {
	// LoadSourceTile adds a stored tile to the output. Tiles that need reprojection are
	// handed to the executor; the call doesn't wait for them.
	LoadSourceTile(ctx context.Context, column, row int, img image.Image) error
	// CompositeChunk draws one finished chunk onto the output canvas
	CompositeChunk(chunk *Chunk)
	// Finish waits for outstanding work and composites all chunks in load order
	Finish(ctx context.Context) (draw.Image, error)
}

// Job is one output tile: what area, what size, in what projection, from which stored matrix
type Job struct {
	Width, Height int
	BoundingBox   bbox.BoundingBox
	CRS           proj.CRS

	SourceSet    gpkg.TileMatrixSet
	SourceMatrix gpkg.TileMatrix
	SourceCRS    proj.CRS
}

// SameProjection reports whether stored tiles can be scaled instead of reprojected
func (j Job) SameProjection() bool {
	return proj.SameProjection(j.CRS, j.SourceCRS)
}

func (j Job) validate() error {
	if j.Width <= 0 || j.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", j.Width, j.Height)
	}
	if !j.BoundingBox.IsValid() || j.BoundingBox.IsWrapped() || j.BoundingBox.Width() <= 0 || j.BoundingBox.Height() <= 0 {
		return fmt.Errorf("invalid output bounding box %v", j.BoundingBox)
	}
	if j.SourceMatrix.MatrixWidth <= 0 || j.SourceMatrix.MatrixHeight <= 0 {
		return fmt.Errorf("invalid source matrix %dx%d at zoom %d",
			j.SourceMatrix.MatrixWidth, j.SourceMatrix.MatrixHeight, j.SourceMatrix.ZoomLevel)
	}
	return nil
}

type Options struct {
	// Allocator creates the canvas and the reprojection buffers, RGBA by default
	Allocator raster.Allocator
	// Executor runs the reprojection tasks, Inline by default
	Executor Executor
	Logger   *zerolog.Logger
	Metrics  *observability.Metrics
}

// Chunk is the contribution of one stored tile to the output
type Chunk struct {
	Column, Row int
	Source      image.Image
	// Rect is the area of the canvas the chunk covers
	Rect image.Rectangle
	// Pixels are the reprojected pixels for Rect. Nil when Source is scaled onto Rect directly.
	Pixels draw.Image

	dropped bool
}

type tileKey struct {
	column, row int
}

// Creator is a TileCreator for one Job. It is not safe for concurrent use, the
// concurrency lives in the tasks it hands to its Executor.
type Creator struct {
	job      Job
	toSource *proj.Conversion
	canvas   draw.Image
	chunks   *orderedmap.OrderedMap[tileKey, *Chunk]
	group    TaskGroup

	allocator raster.Allocator
	executor  Executor
	log       zerolog.Logger
	metrics   *observability.Metrics
}

var _ TileCreator = (*Creator)(nil)

// New prepares a Creator. Unless source and target share a projection, a conversion
// between them must be derivable from registry, else ErrProjectionUnavailable is returned.
func New(registry *proj.Registry, job Job, opts Options) (*Creator, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	c := &Creator{
		job:       job,
		chunks:    orderedmap.New[tileKey, *Chunk](),
		allocator: opts.Allocator,
		executor:  opts.Executor,
		log:       zerolog.Nop(),
		metrics:   opts.Metrics,
	}
	if c.allocator == nil {
		c.allocator = raster.RGBAAllocator
	}
	if c.executor == nil {
		c.executor = Inline
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	}
	if c.metrics == nil {
		c.metrics = observability.Discard()
	}
	if !job.SameProjection() {
		conversion, err := registry.Conversion(job.CRS, job.SourceCRS)
		if err != nil {
			return nil, fmt.Errorf("no conversion from %v to %v: %w", job.CRS, job.SourceCRS, err)
		}
		c.toSource = conversion
	}
	c.canvas = c.allocator(job.Width, job.Height)
	return c, nil
}

// SourceTileBoundingBox returns the area a stored tile covers, in the source projection
func (c *Creator) SourceTileBoundingBox(column, row int) bbox.BoundingBox {
	m := c.job.SourceMatrix
	return tilegrid.TileBoundingBox(c.job.SourceSet.BoundingBox, m.MatrixWidth, m.MatrixHeight, column, row)
}

func (c *Creator) LoadSourceTile(ctx context.Context, column, row int, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if img == nil {
		return errors.New("no image for source tile")
	}
	if c.group == nil {
		c.group = c.executor.Start(ctx)
	}
	tileBox := c.SourceTileBoundingBox(column, row)
	chunk := &Chunk{Column: column, Row: row, Source: img}

	if c.toSource == nil {
		size := img.Bounds().Size()
		chunk.Rect = tilegrid.DeterminePositionAndScale(tileBox, size.X, size.Y, c.job.BoundingBox, c.job.Width, c.job.Height)
		if !chunk.Rect.Overlaps(c.canvas.Bounds()) {
			c.drop(chunk)
			return nil
		}
		c.chunks.Set(tileKey{column, row}, chunk)
		return nil
	}

	rect, ok := c.destinationRect(tileBox)
	if !ok {
		c.drop(chunk)
		return nil
	}
	chunk.Rect = rect
	c.chunks.Set(tileKey{column, row}, chunk)
	c.group.Go(func(ctx context.Context) error {
		return c.reproject(ctx, chunk, tileBox)
	})
	return nil
}

func (c *Creator) drop(chunk *Chunk) {
	chunk.dropped = true
	c.metrics.SourceTilesDropped.Inc()
	c.log.Debug().Int("column", chunk.Column).Int("row", chunk.Row).Msg("source tile outside output, dropped")
}

// destinationRect estimates the canvas pixels a source tile lands on by projecting a grid of
// points of its bounding box into the target projection. When that fails the whole canvas is scanned.
func (c *Creator) destinationRect(tileBox bbox.BoundingBox) (image.Rectangle, bool) {
	canvas := c.canvas.Bounds()
	toTarget := c.toSource.Inverse()
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i <= destinationSamples; i++ {
		sx := tileBox.MinX + tileBox.Width()*float64(i)/destinationSamples
		for j := 0; j <= destinationSamples; j++ {
			sy := tileBox.MinY + tileBox.Height()*float64(j)/destinationSamples
			x, y, err := toTarget.Forward(sx, sy)
			if err != nil || math.IsNaN(x) || math.IsNaN(y) {
				return canvas, true
			}
			x = c.unwrap(x)
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
	}
	target := c.job.BoundingBox
	x0 := tilegrid.XPixel(c.job.Width, target, minX)
	x1 := tilegrid.XPixel(c.job.Width, target, maxX)
	y0 := tilegrid.YPixel(c.job.Height, target, maxY)
	y1 := tilegrid.YPixel(c.job.Height, target, minY)
	if math.IsNaN(x0) || math.IsNaN(x1) || math.IsNaN(y0) || math.IsNaN(y1) {
		return canvas, true
	}
	rect := image.Rect(
		clampPixel(math.Floor(x0)-destinationPadding, canvas.Max.X),
		clampPixel(math.Floor(y0)-destinationPadding, canvas.Max.Y),
		clampPixel(math.Ceil(x1)+destinationPadding, canvas.Max.X),
		clampPixel(math.Ceil(y1)+destinationPadding, canvas.Max.Y),
	)
	rect = rect.Intersect(canvas)
	return rect, !rect.Empty()
}

// unwrap moves a longitude by whole turns to the side of the antimeridian the output is on.
// -180 in web mercator comes back as +180 - epsilon.
func (c *Creator) unwrap(x float64) float64 {
	if !c.job.CRS.IsGeographic() {
		return x
	}
	center := (c.job.BoundingBox.MinX + c.job.BoundingBox.MaxX) / 2
	return x - 360*math.Round((x-center)/360)
}

func clampPixel(p float64, limit int) int {
	switch {
	case p < 0:
		return 0
	case p > float64(limit):
		return limit
	}
	return int(p)
}

// reproject fills the chunk's own buffer with the nearest source pixel of every canvas pixel
// in its Rect. Pixels whose center maps outside the source tile stay transparent.
func (c *Creator) reproject(ctx context.Context, chunk *Chunk, tileBox bbox.BoundingBox) error {
	src := chunk.Source
	sb := src.Bounds()
	sw, sh := float64(sb.Dx()), float64(sb.Dy())
	target := c.job.BoundingBox
	unitX := target.Width() / float64(c.job.Width)
	unitY := target.Height() / float64(c.job.Height)

	pixels := c.allocator(chunk.Rect.Dx(), chunk.Rect.Dy())
	origin := pixels.Bounds().Min
	var count int
	for py := chunk.Rect.Min.Y; py < chunk.Rect.Max.Y; py++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ty := target.MaxY - (float64(py)+0.5)*unitY
		for px := chunk.Rect.Min.X; px < chunk.Rect.Max.X; px++ {
			tx := target.MinX + (float64(px)+0.5)*unitX
			sx, sy, err := c.toSource.Forward(tx, ty)
			if err != nil {
				continue
			}
			fx := tilegrid.XPixel(sb.Dx(), tileBox, sx)
			fy := tilegrid.YPixel(sb.Dy(), tileBox, sy)
			if !(fx >= 0 && fx < sw && fy >= 0 && fy < sh) {
				continue
			}
			pixels.Set(origin.X+px-chunk.Rect.Min.X, origin.Y+py-chunk.Rect.Min.Y,
				src.At(sb.Min.X+int(fx), sb.Min.Y+int(fy)))
			count++
		}
	}
	if count == 0 {
		c.drop(chunk)
		return nil
	}
	chunk.Pixels = pixels
	c.metrics.PixelsReprojected.Add(float64(count))
	return nil
}

func (c *Creator) CompositeChunk(chunk *Chunk) {
	if chunk == nil || chunk.dropped {
		return
	}
	if chunk.Pixels != nil {
		draw.Draw(c.canvas, chunk.Rect, chunk.Pixels, chunk.Pixels.Bounds().Min, draw.Over)
		return
	}
	xdraw.NearestNeighbor.Scale(c.canvas, chunk.Rect, chunk.Source, chunk.Source.Bounds(), draw.Over, nil)
}

func (c *Creator) Finish(ctx context.Context) (draw.Image, error) {
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, chunk := range mapslicehelp.OrderedMapValues(c.chunks, nil) {
		c.CompositeChunk(chunk)
	}
	return c.canvas, nil
}

// Chunks returns the chunks that contribute to the output, in load order.
// Only complete after Finish.
func (c *Creator) Chunks() []*Chunk {
	return mapslicehelp.OrderedMapValues(c.chunks, func(chunk *Chunk) bool { return !chunk.dropped })
}
