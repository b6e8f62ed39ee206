// Package envelope compares geometry envelopes.
// Intersects and WhereClause implement the same rule, once in Go and once as SQL,
// so index queries answer the same regardless of the backend that runs them.
package envelope

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/gpkgengine/bbox"
)

// Envelope is the bounding volume of one geometry.
// MinX > MaxX denotes an envelope wrapping around the antimeridian.
type Envelope struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
	MinM, MaxM float64
	HasZ, HasM bool
}

func FromBoundingBox(b bbox.BoundingBox) Envelope {
	return Envelope{MinX: b.MinX, MaxX: b.MaxX, MinY: b.MinY, MaxY: b.MaxY}
}

func FromExtent(e *geom.Extent) Envelope {
	return Envelope{MinX: e.MinX(), MaxX: e.MaxX(), MinY: e.MinY(), MaxY: e.MaxY()}
}

func (e Envelope) BoundingBox() bbox.BoundingBox {
	return bbox.New(e.MinX, e.MinY, e.MaxX, e.MaxY)
}

func (e Envelope) IsWrapped() bool {
	return e.MinX > e.MaxX
}

// IsEmpty reports envelopes that can't intersect anything, like the one of an empty geometry
func (e Envelope) IsEmpty() bool {
	return math.IsNaN(e.MinX) || math.IsNaN(e.MaxX) || math.IsNaN(e.MinY) || math.IsNaN(e.MaxY) ||
		math.IsInf(e.MinX, 1) || e.MinY > e.MaxY
}

func (e Envelope) String() string {
	s := fmt.Sprintf("x[%v %v] y[%v %v]", e.MinX, e.MaxX, e.MinY, e.MaxY)
	if e.HasZ {
		s += fmt.Sprintf(" z[%v %v]", e.MinZ, e.MaxZ)
	}
	if e.HasM {
		s += fmt.Sprintf(" m[%v %v]", e.MinM, e.MaxM)
	}
	return s
}

// Intersects reports whether stored overlaps query. Touching counts as overlapping.
// A wrapped query matches anything in its western or eastern part.
// Z and M are only compared when both envelopes carry them.
func Intersects(query, stored Envelope) bool {
	if !intersectsX(query, stored) {
		return false
	}
	if !(stored.MinY <= query.MaxY && stored.MaxY >= query.MinY) {
		return false
	}
	if query.HasZ && stored.HasZ && !(stored.MinZ <= query.MaxZ && stored.MaxZ >= query.MinZ) {
		return false
	}
	if query.HasM && stored.HasM && !(stored.MinM <= query.MaxM && stored.MaxM >= query.MinM) {
		return false
	}
	return true
}

func intersectsX(query, stored Envelope) bool {
	if query.IsWrapped() {
		return stored.MinX <= query.MaxX || stored.MaxX >= query.MinX ||
			stored.MinX >= query.MinX || stored.MaxX <= query.MaxX
	}
	return stored.MinX <= query.MaxX && stored.MaxX >= query.MinX
}

// Columns names the envelope columns of an index table
type Columns struct {
	MinX, MaxX, MinY, MaxY string
	// Z and M are optional; leave empty when the table can't hold them
	MinZ, MaxZ, MinM, MaxM string
}

var (
	// RTreeColumns are the columns of a GeoPackage rtree_<table>_<column> virtual table
	RTreeColumns = Columns{MinX: "minx", MaxX: "maxx", MinY: "miny", MaxY: "maxy"}
	// TableColumns are the columns of the nga_geometry_index table
	TableColumns = Columns{
		MinX: "min_x", MaxX: "max_x", MinY: "min_y", MaxY: "max_y",
		MinZ: "min_z", MaxZ: "max_z", MinM: "min_m", MaxM: "max_m",
	}
)

// WhereClause returns the SQL equivalent of Intersects with query as bind parameters.
// A stored Z or M range that is NULL means the dimension is absent.
func WhereClause(query Envelope, c Columns) (string, []any) {
	var where strings.Builder
	var args []any

	if query.IsWrapped() {
		fmt.Fprintf(&where, "(%s <= ? OR %s >= ? OR %s >= ? OR %s <= ?)", c.MinX, c.MaxX, c.MinX, c.MaxX)
		args = append(args, query.MaxX, query.MinX, query.MinX, query.MaxX)
	} else {
		fmt.Fprintf(&where, "%s <= ? AND %s >= ?", c.MinX, c.MaxX)
		args = append(args, query.MaxX, query.MinX)
	}
	fmt.Fprintf(&where, " AND %s <= ? AND %s >= ?", c.MinY, c.MaxY)
	args = append(args, query.MaxY, query.MinY)

	if query.HasZ && c.MinZ != "" {
		fmt.Fprintf(&where, " AND (%s IS NULL OR (%s <= ? AND %s >= ?))", c.MinZ, c.MinZ, c.MaxZ)
		args = append(args, query.MaxZ, query.MinZ)
	}
	if query.HasM && c.MinM != "" {
		fmt.Fprintf(&where, " AND (%s IS NULL OR (%s <= ? AND %s >= ?))", c.MinM, c.MinM, c.MaxM)
		args = append(args, query.MaxM, query.MinM)
	}
	return where.String(), args
}
