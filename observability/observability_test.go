package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Component: "test"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("table", "points").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "points", entry["table"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewLogger_console(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLogger(LogConfig{Console: true}, &buf), "retriever")
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "retriever")
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TilesRendered.WithLabelValues(PathSameProjection).Inc()
	m.IndexPasses.WithLabelValues("rtree", "ok").Inc()

	assert.Equal(t, 1., testutil.ToFloat64(m.TilesRendered.WithLabelValues(PathSameProjection)))
	count, err := testutil.GatherAndCount(reg, "gpkgengine_tiles_rendered_total", "gpkgengine_index_passes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// unregistered collectors don't clash
	Discard().TilesRendered.WithLabelValues(PathReprojected).Inc()
	Discard().TilesRendered.WithLabelValues(PathReprojected).Inc()
}
