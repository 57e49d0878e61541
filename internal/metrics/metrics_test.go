package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.FieldResolved("database")
	m.FieldResolved("database")
	m.FieldResolved("signature")
	m.Resolution("resolved", 10*time.Millisecond)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.Walk("processes", 3, 1, false)
	m.Walk("processes", 2, 0, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fieldsResolved.WithLabelValues("database")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fieldsResolved.WithLabelValues("signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.nodesVisited.WithLabelValues("processes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesSkipped.WithLabelValues("processes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.overruns.WithLabelValues("processes")))

	n, err := testutil.GatherAndCount(m.Registry)
	assert.NoError(t, err)
	assert.Positive(t, n)
}

func TestWriteSummary(t *testing.T) {
	m := New()
	m.FieldResolved("database")
	m.Walk("processes", 3, 0, false)
	m.Resolution("resolved", 0)

	var b bytes.Buffer
	assert.NoError(t, m.WriteSummary(&b))
	out := b.String()
	assert.Contains(t, out, "ntwalk_resolve_fields_total{source=database} 1\n")
	assert.Contains(t, out, "ntwalk_walk_nodes_total{list=processes} 3\n")
	assert.Contains(t, out, "ntwalk_resolve_duration_seconds_count 1\n")
	assert.NotContains(t, out, "skipped_total")

	var nilM *Metrics
	assert.NoError(t, nilM.WriteSummary(&b))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FieldResolved("symbols")
		m.Resolution("failed", time.Second)
		m.CacheLookup(true)
		m.Walk("threads", 1, 1, true)
	})
}
