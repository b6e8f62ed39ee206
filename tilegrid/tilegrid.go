// Package tilegrid maps between bounding boxes and the column/row ranges of a tile matrix.
// Columns grow eastward from the total bounding box's MinX, rows grow southward from its MaxY.
package tilegrid

import (
	"fmt"
	"image"
	"math"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/mathhelp"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/tms20"
)

// TileGrid is an inclusive range of columns (X) and rows (Y) at one zoom level
type TileGrid struct {
	MinX, MaxX int
	MinY, MaxY int
}

// Empty is the grid returned for queries that don't touch the matrix
var Empty = TileGrid{MinX: 0, MaxX: -1, MinY: 0, MaxY: -1}

func (g TileGrid) Empty() bool {
	return g.MinX > g.MaxX || g.MinY > g.MaxY
}

func (g TileGrid) Count() int {
	if g.Empty() {
		return 0
	}
	return (g.MaxX - g.MinX + 1) * (g.MaxY - g.MinY + 1)
}

func (g TileGrid) Contains(column, row int) bool {
	return mathhelp.BetweenInc(column, g.MinX, g.MaxX) && mathhelp.BetweenInc(row, g.MinY, g.MaxY) && !g.Empty()
}

func (g TileGrid) String() string {
	if g.Empty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%d..%d, %d..%d]", g.MinX, g.MaxX, g.MinY, g.MaxY)
}

// TileColumn returns the column containing x.
// -1 means west of the matrix, matrixWidth east of it.
// With isMaxEdge an x exactly on a cell boundary belongs to the cell west of it.
func TileColumn(total bbox.BoundingBox, matrixWidth int, x float64, isMaxEdge bool) int {
	if x < total.MinX {
		return -1
	}
	if x >= total.MaxX {
		return matrixWidth
	}
	cellWidth := total.Width() / float64(matrixWidth)
	return cell((x-total.MinX)/cellWidth, isMaxEdge)
}

// TileRow returns the row containing y, counted from the top.
// -1 means north of the matrix, matrixHeight south of it.
// With isMaxEdge a y exactly on a cell boundary belongs to the cell north of it.
func TileRow(total bbox.BoundingBox, matrixHeight int, y float64, isMaxEdge bool) int {
	if y >= total.MaxY {
		return -1
	}
	if y < total.MinY {
		return matrixHeight
	}
	cellHeight := total.Height() / float64(matrixHeight)
	return cell((total.MaxY-y)/cellHeight, isMaxEdge)
}

func cell(quotient float64, isMaxEdge bool) int {
	q, integral := mathhelp.SnapIntegral(quotient)
	c := int(math.Floor(q))
	if integral && isMaxEdge {
		c--
	}
	return c
}

// TileGridForBoundingBox returns the tiles of a matrixWidth x matrixHeight matrix over total
// that overlap query, or an empty grid when query lies outside total.
func TileGridForBoundingBox(total bbox.BoundingBox, matrixWidth, matrixHeight int, query bbox.BoundingBox) TileGrid {
	if matrixWidth <= 0 || matrixHeight <= 0 || !query.IsValid() || query.IsWrapped() {
		return Empty
	}
	g := TileGrid{
		MinX: TileColumn(total, matrixWidth, query.MinX, false),
		MaxX: TileColumn(total, matrixWidth, query.MaxX, true),
		MinY: TileRow(total, matrixHeight, query.MaxY, false),
		MaxY: TileRow(total, matrixHeight, query.MinY, true),
	}
	if g.MaxX < 0 || g.MinX >= matrixWidth || g.MaxY < 0 || g.MinY >= matrixHeight {
		return Empty
	}
	g.MinX = mathhelp.Clamp(g.MinX, 0, matrixWidth-1)
	g.MaxX = mathhelp.Clamp(g.MaxX, 0, matrixWidth-1)
	g.MinY = mathhelp.Clamp(g.MinY, 0, matrixHeight-1)
	g.MaxY = mathhelp.Clamp(g.MaxY, 0, matrixHeight-1)
	if g.Empty() {
		return Empty
	}
	return g
}

// TileBoundingBox returns the area the tile at column/row covers
func TileBoundingBox(total bbox.BoundingBox, matrixWidth, matrixHeight, column, row int) bbox.BoundingBox {
	cellWidth := total.Width() / float64(matrixWidth)
	cellHeight := total.Height() / float64(matrixHeight)
	b := bbox.BoundingBox{
		MinX: total.MinX + float64(column)*cellWidth,
		MaxX: total.MinX + float64(column+1)*cellWidth,
		MaxY: total.MaxY - float64(row)*cellHeight,
		MinY: total.MaxY - float64(row+1)*cellHeight,
	}
	// keep the outer edges exact
	if column == matrixWidth-1 {
		b.MaxX = total.MaxX
	}
	if row == matrixHeight-1 {
		b.MinY = total.MinY
	}
	return b
}

// XPixel returns the (fractional) pixel column of x in an image of width pixels covering box
func XPixel(width int, box bbox.BoundingBox, x float64) float64 {
	return (x - box.MinX) / box.Width() * float64(width)
}

// YPixel returns the (fractional) pixel row of y in an image of height pixels covering box
func YPixel(height int, box bbox.BoundingBox, y float64) float64 {
	return (box.MaxY - y) / box.Height() * float64(height)
}

// DeterminePositionAndScale returns the destination rectangle, in pixels of the totalWidth x totalHeight
// canvas covering totalBox, that a tileWidth x tileHeight tile covering tileBox is scaled onto.
// The rectangle may lie (partly) outside the canvas.
func DeterminePositionAndScale(tileBox bbox.BoundingBox, tileWidth, tileHeight int,
	totalBox bbox.BoundingBox, totalWidth, totalHeight int) image.Rectangle {

	if tileWidth <= 0 || tileHeight <= 0 {
		return image.Rectangle{}
	}
	x0 := roundPixel(XPixel(totalWidth, totalBox, tileBox.MinX))
	x1 := roundPixel(XPixel(totalWidth, totalBox, tileBox.MaxX))
	y0 := roundPixel(YPixel(totalHeight, totalBox, tileBox.MaxY))
	y1 := roundPixel(YPixel(totalHeight, totalBox, tileBox.MinY))
	return image.Rect(x0, y0, x1, y1)
}

func roundPixel(p float64) int {
	if math.IsInf(p, 0) || math.IsNaN(p) {
		return 0
	}
	// snap noise first, so 255.9999999999 doesn't become a different pixel than 256
	p, _ = mathhelp.SnapIntegral(p)
	return int(math.Round(p))
}

// WebMercatorBoundingBox returns the EPSG:3857 area of an XYZ web map tile
func WebMercatorBoundingBox(x, y, z uint) (bbox.BoundingBox, bool) {
	box, _, ok := WellKnownBoundingBox(tms20.WebMercatorQuad, x, y, z)
	return box, ok
}

// WellKnownBoundingBox returns the area, and its CRS, of tile x/y/z of an embedded
// tile matrix set such as WebMercatorQuad or WorldCRS84Quad. Row 0 is at the top.
func WellKnownBoundingBox(setID string, x, y, z uint) (bbox.BoundingBox, proj.CRS, bool) {
	tms, err := tms20.LoadEmbeddedTileMatrixSet(setID)
	if err != nil {
		return bbox.BoundingBox{}, proj.CRS{}, false
	}
	crs, err := tms.ProjCRS()
	if err != nil {
		return bbox.BoundingBox{}, proj.CRS{}, false
	}
	size, ok := tms.Size(z)
	if !ok || x >= size.X || y >= size.Y {
		return bbox.BoundingBox{}, crs, false
	}
	box, ok := tms.TileBoundingBox(slippy.NewTile(z, x, y))
	return box, crs, ok
}

// WebMercatorTotal is the square the WebMercatorQuad tile matrix set covers
func WebMercatorTotal() bbox.BoundingBox {
	tms := tms20.MustLoadEmbeddedTileMatrixSet(tms20.WebMercatorQuad)
	bottomLeft, topRight, err := tms.MatrixBoundingBox(0)
	if err != nil {
		panic(err)
	}
	return bbox.New(bottomLeft.X(), bottomLeft.Y(), topRight.X(), topRight.Y())
}
