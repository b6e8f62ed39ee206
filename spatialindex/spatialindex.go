// Package spatialindex finds the geometries of a feature table whose envelopes intersect a
// query envelope, using the table's R-tree when it has one and an envelope table otherwise.
package spatialindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/rs/zerolog"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/envelope"
	"github.com/pdok/gpkgengine/geomhelp"
	gpkgengine "github.com/pdok/gpkgengine/gpkg"
	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/processing"
	"github.com/pdok/gpkgengine/proj"
)

var ErrIndexBuildFailed = errors.New("index build failed")

// ProgressFunc receives a human readable status after every indexed chunk
type ProgressFunc func(message string)

type Options struct {
	// Backend forces a backend instead of detecting it. Forcing RTree on a table without
	// one creates it on the first index pass.
	Backend   Kind
	ChunkSize int
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
	// Now is the clock for freshness stamps
	Now func() time.Time
}

// Index is the spatial index of one feature table
type Index struct {
	gpkg     *gpkgengine.GeoPackage
	table    gpkgengine.FeatureTable
	backend  Backend
	registry *proj.Registry

	chunkSize int
	now       func() time.Time
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// tableLocks serialises index passes per GeoPackage table within this process
var tableLocks sync.Map

func tableLock(path, table string) *sync.Mutex {
	lock, _ := tableLocks.LoadOrStore(path+"\x00"+strings.ToLower(table), &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// New picks the backend of a feature table: its R-tree when the gpkg_rtree_index extension
// or the virtual table is present, the envelope table otherwise.
func New(ctx context.Context, g *gpkgengine.GeoPackage, table string, registry *proj.Registry, opts Options) (*Index, error) {
	t, err := g.FeatureTable(ctx, table)
	if err != nil {
		return nil, err
	}
	ix := &Index{
		gpkg:      g,
		table:     t,
		registry:  registry,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		log:       zerolog.Nop(),
		metrics:   opts.Metrics,
	}
	if opts.Logger != nil {
		ix.log = observability.Component(*opts.Logger, "spatialindex").With().Str("table", t.Name).Logger()
	}
	if ix.metrics == nil {
		ix.metrics = observability.Discard()
	}
	if ix.chunkSize <= 0 {
		ix.chunkSize = processing.DefaultChunkSize
	}
	if ix.now == nil {
		ix.now = time.Now
	}

	kind := opts.Backend
	if kind == "" {
		if kind, err = detect(ctx, g, t); err != nil {
			return nil, err
		}
	}
	switch kind {
	case RTree:
		ix.backend = newRTreeBackend(g, t)
	case Table:
		ix.backend = newTableBackend(g, t)
	default:
		return nil, fmt.Errorf("unknown index backend %q", kind)
	}
	ix.log.Debug().Str("backend", string(kind)).Msg("spatial index backend selected")
	return ix, nil
}

func detect(ctx context.Context, g *gpkgengine.GeoPackage, t gpkgengine.FeatureTable) (Kind, error) {
	registered, err := g.HasExtension(ctx, t.Name, t.GeometryColumn, RTreeExtension)
	if err != nil {
		return "", err
	}
	if registered {
		return RTree, nil
	}
	exists, err := g.TableExists(ctx, RTreeName(t.Name, t.GeometryColumn))
	if err != nil {
		return "", err
	}
	if exists {
		return RTree, nil
	}
	return Table, nil
}

// EnableRTree creates the R-tree of a geometry column, registers the gpkg_rtree_index
// extension and fills the tree. Keeping it current after writes is up to the writer;
// the GeoPackage R-tree update triggers need the ST_ SQL functions.
func EnableRTree(ctx context.Context, g *gpkgengine.GeoPackage, table string, registry *proj.Registry, opts Options) (*Index, error) {
	opts.Backend = RTree
	ix, err := New(ctx, g, table, registry, opts)
	if err != nil {
		return nil, err
	}
	if _, err = ix.Index(ctx, true, nil); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) Kind() Kind {
	return ix.backend.Kind()
}

func (ix *Index) Table() gpkgengine.FeatureTable {
	return ix.table
}

// IsIndexed reports whether queries can be answered from the index
func (ix *Index) IsIndexed(ctx context.Context) (bool, error) {
	return ix.backend.IsIndexed(ctx)
}

// Index (re)builds the index when it isn't fresh or when forced, and reports whether it did.
// Passes over one table are serialised. A pass that is cancelled or fails leaves the index
// not fresh; a failed chunk is reported as ErrIndexBuildFailed.
func (ix *Index) Index(ctx context.Context, force bool, onProgress ProgressFunc) (bool, error) {
	lock := tableLock(ix.gpkg.Path(), ix.table.Name)
	lock.Lock()
	defer lock.Unlock()

	if !force {
		indexed, err := ix.backend.IsIndexed(ctx)
		if err != nil {
			return false, err
		}
		if indexed {
			return false, nil
		}
	}

	kind := string(ix.backend.Kind())
	total, err := ix.gpkg.CountFeatures(ctx, ix.table)
	if err != nil {
		return false, err
	}
	if err = ix.backend.Clear(ctx); err != nil {
		ix.metrics.IndexPasses.WithLabelValues(kind, "failed").Inc()
		return false, fmt.Errorf("%w: %w", ErrIndexBuildFailed, err)
	}
	ix.log.Info().Int("features", total).Str("backend", kind).Msg("indexing")

	progress, err := processing.ProcessChunks[gpkgengine.FeatureRow, Entry](ctx,
		featureSource{ix}, entryTarget{ix}, ix.entry,
		processing.Options{
			ChunkSize: ix.chunkSize,
			Total:     total,
			OnProgress: func(p processing.Progress) {
				if onProgress != nil {
					onProgress(fmt.Sprintf("Indexing %s: %s", ix.table.Name, p))
				}
			},
		})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			ix.metrics.IndexPasses.WithLabelValues(kind, "cancelled").Inc()
			ix.log.Warn().Err(ctxErr).Stringer("progress", progress).Msg("indexing cancelled, index not fresh")
			return false, ctxErr
		}
		ix.metrics.IndexPasses.WithLabelValues(kind, "failed").Inc()
		return false, fmt.Errorf("%w: %w", ErrIndexBuildFailed, err)
	}
	if err = ix.backend.Complete(ctx, ix.now()); err == nil {
		err = ix.registerExtension(ctx)
	}
	if err != nil {
		ix.metrics.IndexPasses.WithLabelValues(kind, "failed").Inc()
		return false, fmt.Errorf("%w: %w", ErrIndexBuildFailed, err)
	}
	ix.metrics.IndexPasses.WithLabelValues(kind, "ok").Inc()
	ix.log.Info().Stringer("progress", progress).Msg("indexed")
	return true, nil
}

func (ix *Index) registerExtension(ctx context.Context) error {
	t := ix.table
	if ix.backend.Kind() == RTree {
		return ix.gpkg.RegisterExtension(ctx, t.Name, t.GeometryColumn, RTreeExtension,
			"http://www.geopackage.org/spec120/#extension_rtree", "write-only")
	}
	return ix.gpkg.RegisterExtension(ctx, t.Name, t.GeometryColumn, GeometryIndexExtension,
		"http://ngageoint.github.io/GeoPackage/docs/extensions/geometry-index.html", "read-write")
}

type featureSource struct {
	ix *Index
}

func (s featureSource) ReadChunk(ctx context.Context, page, size int) ([]gpkgengine.FeatureRow, error) {
	return s.ix.gpkg.QueryForChunk(ctx, s.ix.table, size, page)
}

type entryTarget struct {
	ix *Index
}

func (t entryTarget) WriteChunk(ctx context.Context, _ int, entries []Entry) error {
	if err := t.ix.backend.Insert(ctx, entries); err != nil {
		return err
	}
	t.ix.metrics.IndexedEntries.Add(float64(len(entries)))
	return nil
}

// entry computes the envelope of a feature row: the one in the geometry header when it
// covers the geometry, else from the geometry itself. Rows without (valid) geometry are skipped.
func (ix *Index) entry(row gpkgengine.FeatureRow) (Entry, bool) {
	if row.Geometry == nil {
		return Entry{}, false
	}
	sb, err := gpkg.DecodeGeometry(row.Geometry)
	if err != nil {
		ix.log.Warn().Err(err).Int64("id", row.ID).Msg("geometry can't be decoded, not indexed")
		return Entry{}, false
	}
	env, ok := headerEnvelope(sb)
	if sb.Geometry != nil {
		extent, err := geom.NewExtentFromGeometry(sb.Geometry)
		switch {
		case err != nil || extent == nil:
			if !ok {
				ix.log.Debug().Int64("id", row.ID).Str("geometry", geomhelp.WktMustEncode(sb.Geometry, 200)).
					Msg("geometry without extent, not indexed")
				return Entry{}, false
			}
		case !ok:
			env = envelope.FromExtent(extent)
		case !covers(env, extent):
			// header written in minx, miny, maxx, maxy order
			ix.log.Debug().Int64("id", row.ID).Str("header", env.String()).Msg("header envelope doesn't match geometry")
			xy := envelope.FromExtent(extent)
			env.MinX, env.MaxX, env.MinY, env.MaxY = xy.MinX, xy.MaxX, xy.MinY, xy.MaxY
		}
	} else if !ok {
		return Entry{}, false
	}
	if env.IsEmpty() {
		return Entry{}, false
	}
	return Entry{Table: ix.table.Name, GeomID: row.ID, Envelope: env}, true
}

// headerTolerance absorbs rounding in envelopes written by other tools
const headerTolerance = 1e-6

func covers(env envelope.Envelope, extent *geom.Extent) bool {
	return env.MinX <= extent.MinX()+headerTolerance && env.MaxX >= extent.MaxX()-headerTolerance &&
		env.MinY <= extent.MinY()+headerTolerance && env.MaxY >= extent.MaxY()-headerTolerance
}

// headerEnvelope reads the envelope a GeoPackage binary header may carry:
// [minx, maxx, miny, maxy] followed by z and/or m ranges
func headerEnvelope(sb *gpkg.StandardBinary) (envelope.Envelope, bool) {
	if sb.Header == nil {
		return envelope.Envelope{}, false
	}
	values := sb.Header.Envelope()
	if len(values) < 4 {
		return envelope.Envelope{}, false
	}
	env := envelope.Envelope{MinX: values[0], MaxX: values[1], MinY: values[2], MaxY: values[3]}
	switch sb.Header.EnvelopeType() {
	case gpkg.EnvelopeTypeXYZ:
		if len(values) >= 6 {
			env.MinZ, env.MaxZ, env.HasZ = values[4], values[5], true
		}
	case gpkg.EnvelopeTypeXYM:
		if len(values) >= 6 {
			env.MinM, env.MaxM, env.HasM = values[4], values[5], true
		}
	case gpkg.EnvelopeTypeXYZM:
		if len(values) >= 8 {
			env.MinZ, env.MaxZ, env.HasZ = values[4], values[5], true
			env.MinM, env.MaxM, env.HasM = values[6], values[7], true
		}
	}
	return env, true
}

// QueryByEnvelope returns the indexed geometries intersecting query, by id
func (ix *Index) QueryByEnvelope(ctx context.Context, query envelope.Envelope) ([]Entry, error) {
	return ix.backend.QueryByEnvelope(ctx, query)
}

func (ix *Index) CountByEnvelope(ctx context.Context, query envelope.Envelope) (int, error) {
	return ix.backend.CountByEnvelope(ctx, query)
}

// QueryByBoundingBox returns the ids of the geometries intersecting box, given in crs.
// A box wrapping the antimeridian keeps wrapping after projection.
func (ix *Index) QueryByBoundingBox(ctx context.Context, box bbox.BoundingBox, crs proj.CRS) ([]int64, error) {
	query, err := ix.queryEnvelope(box, crs)
	if err != nil {
		return nil, err
	}
	entries, err := ix.backend.QueryByEnvelope(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.GeomID
	}
	return ids, nil
}

func (ix *Index) CountByBoundingBox(ctx context.Context, box bbox.BoundingBox, crs proj.CRS) (int, error) {
	query, err := ix.queryEnvelope(box, crs)
	if err != nil {
		return 0, err
	}
	return ix.backend.CountByEnvelope(ctx, query)
}

func (ix *Index) queryEnvelope(box bbox.BoundingBox, crs proj.CRS) (envelope.Envelope, error) {
	tableCRS := gpkgengine.CRS(ix.table.SRS)
	if proj.SameProjection(crs, tableCRS) {
		return envelope.FromBoundingBox(box), nil
	}
	conversion, err := ix.registry.Conversion(crs, tableCRS)
	if err != nil {
		return envelope.Envelope{}, err
	}
	projected, err := box.ProjectWrapped(conversion)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("could not project %v to %v: %w", box, tableCRS, err)
	}
	return envelope.FromBoundingBox(projected), nil
}
