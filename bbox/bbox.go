// Package bbox holds the axis-aligned rectangle used throughout the tile and index engines.
package bbox

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
)

// PointConverter transforms a single x/y coordinate into another coordinate reference system.
type PointConverter interface {
	Convert(x, y float64) (float64, float64, error)
}

// BoundingBox is a rectangle in lat/lon or projected units.
// MinX > MaxX denotes a box crossing the antimeridian.
type BoundingBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

func New(minX, minY, maxX, maxY float64) BoundingBox {
	return BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

func FromExtent(e geom.Extent) BoundingBox {
	return BoundingBox{MinX: e.MinX(), MinY: e.MinY(), MaxX: e.MaxX(), MaxY: e.MaxY()}
}

func (b BoundingBox) Extent() *geom.Extent {
	return &geom.Extent{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

func (b BoundingBox) Width() float64 {
	return b.MaxX - b.MinX
}

func (b BoundingBox) Height() float64 {
	return b.MaxY - b.MinY
}

// IsWrapped reports whether the box spans the antimeridian
func (b BoundingBox) IsWrapped() bool {
	return b.MinX > b.MaxX
}

func (b BoundingBox) IsValid() bool {
	return !math.IsNaN(b.MinX) && !math.IsNaN(b.MinY) && !math.IsNaN(b.MaxX) && !math.IsNaN(b.MaxY) &&
		b.MinY <= b.MaxY
}

// Intersect returns the overlap of two (non wrapped) boxes.
// Boxes that only touch along an edge do not overlap.
func (b BoundingBox) Intersect(o BoundingBox) (BoundingBox, bool) {
	r := BoundingBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}
	if r.MinX >= r.MaxX || r.MinY >= r.MaxY {
		return BoundingBox{}, false
	}
	return r, true
}

// Expand grows the box by dx on both x sides and dy on both y sides
func (b BoundingBox) Expand(dx, dy float64) BoundingBox {
	return BoundingBox{MinX: b.MinX - dx, MinY: b.MinY - dy, MaxX: b.MaxX + dx, MaxY: b.MaxY + dy}
}

// Corners returns (minX,minY), (maxX,minY), (maxX,maxY), (minX,maxY)
func (b BoundingBox) Corners() [4][2]float64 {
	return [4][2]float64{
		{b.MinX, b.MinY},
		{b.MaxX, b.MinY},
		{b.MaxX, b.MaxY},
		{b.MinX, b.MaxY},
	}
}

// Project transforms all four corners and derives a new min/max from them,
// since a projection can flip axes or bend edges.
func (b BoundingBox) Project(c PointConverter) (BoundingBox, error) {
	projected := BoundingBox{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
	for _, corner := range b.Corners() {
		x, y, err := c.Convert(corner[0], corner[1])
		if err != nil {
			return BoundingBox{}, err
		}
		if math.IsNaN(x) || math.IsNaN(y) {
			return BoundingBox{}, fmt.Errorf("corner %v of %v has no projected coordinate", corner, b)
		}
		projected.MinX = math.Min(projected.MinX, x)
		projected.MinY = math.Min(projected.MinY, y)
		projected.MaxX = math.Max(projected.MaxX, x)
		projected.MaxY = math.Max(projected.MaxY, y)
	}
	return projected, nil
}

// ProjectWrapped projects a box that spans the antimeridian.
// The west (MinX) and east (MaxX) edges are projected separately so the wrap survives.
func (b BoundingBox) ProjectWrapped(c PointConverter) (BoundingBox, error) {
	if !b.IsWrapped() {
		return b.Project(c)
	}
	west, err := New(b.MinX, b.MinY, b.MinX, b.MaxY).Project(c)
	if err != nil {
		return BoundingBox{}, err
	}
	east, err := New(b.MaxX, b.MinY, b.MaxX, b.MaxY).Project(c)
	if err != nil {
		return BoundingBox{}, err
	}
	return BoundingBox{
		MinX: west.MinX,
		MinY: math.Min(west.MinY, east.MinY),
		MaxX: east.MaxX,
		MaxY: math.Max(west.MaxY, east.MaxY),
	}, nil
}

// ProjectUnwrapped is Project for a target whose x axis wraps every period units, like
// longitude. Projected corners are moved by whole periods to the side of the projected center.
func (b BoundingBox) ProjectUnwrapped(c PointConverter, period float64) (BoundingBox, error) {
	center, _, err := c.Convert((b.MinX+b.MaxX)/2, (b.MinY+b.MaxY)/2)
	if err != nil || math.IsNaN(center) {
		return b.Project(c)
	}
	return b.Project(unwrapping{converter: c, center: center, period: period})
}

type unwrapping struct {
	converter      PointConverter
	center, period float64
}

func (u unwrapping) Convert(x, y float64) (float64, float64, error) {
	x, y, err := u.converter.Convert(x, y)
	if err != nil {
		return x, y, err
	}
	return x - u.period*math.Round((x-u.center)/u.period), y, nil
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%v, %v, %v, %v]", b.MinX, b.MinY, b.MaxX, b.MaxY)
}
