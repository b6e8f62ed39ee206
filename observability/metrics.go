package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gpkgengine"

// Render paths
const (
	PathSameProjection = "same_projection"
	PathReprojected    = "reprojected"
)

// Metrics are the engine's collectors. Components that get none use Discard().
type Metrics struct {
	TilesRendered      *prometheus.CounterVec
	TilesNotFound      prometheus.Counter
	SourceTilesDropped prometheus.Counter
	PixelsReprojected  prometheus.Counter
	RenderDuration     prometheus.Histogram
	TileCacheLookups   *prometheus.CounterVec
	IndexPasses        *prometheus.CounterVec
	IndexedEntries     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, unless reg is nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TilesRendered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_rendered_total",
			Help:      "Number of output tiles rendered, by render path.",
		}, []string{"path"}),
		TilesNotFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_not_found_total",
			Help:      "Number of tile requests without stored tiles in the requested area.",
		}),
		SourceTilesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_tiles_dropped_total",
			Help:      "Number of stored tiles that fell outside the output canvas.",
		}),
		PixelsReprojected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_reprojected_total",
			Help:      "Number of output pixels computed by reprojection.",
		}),
		RenderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_render_duration_seconds",
			Help:      "Duration of rendering one output tile.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		TileCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoded_tile_cache_lookups_total",
			Help:      "Lookups in the decoded source tile cache, by result.",
		}, []string{"result"}),
		IndexPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_passes_total",
			Help:      "Spatial index build passes, by backend and result.",
		}, []string{"backend", "result"}),
		IndexedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_entries_total",
			Help:      "Number of geometry envelopes written to an index.",
		}),
	}
}

// Discard returns unregistered collectors
func Discard() *Metrics {
	return NewMetrics(nil)
}
