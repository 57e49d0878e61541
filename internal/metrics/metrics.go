// Package metrics holds the Prometheus collectors for offset resolution and
// kernel list traversal.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ntwalk"

// Metrics is a set of collectors registered on one registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	fieldsResolved  *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	nodesVisited    *prometheus.CounterVec
	nodesSkipped    *prometheus.CounterVec
	overruns        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers the collectors on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		fieldsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "fields_total",
			Help:      "Offset fields resolved, by source.",
		}, []string{"source"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "resolutions_total",
			Help:      "Offset resolutions, by final state.",
		}, []string{"state"}),
		resolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "duration_seconds",
			Help:      "Time spent resolving one offset table.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "cache_hits_total",
			Help:      "Offset tables served from the in-process cache.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "cache_misses_total",
			Help:      "Offset table lookups that required resolution.",
		}),
		nodesVisited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "nodes_total",
			Help:      "List nodes visited, by list.",
		}, []string{"list"}),
		nodesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "skipped_total",
			Help:      "List nodes skipped as unreadable or implausible, by list.",
		}, []string{"list"}),
		overruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "overruns_total",
			Help:      "Traversals stopped at their bound, by list.",
		}, []string{"list"}),
	}
}

// FieldResolved counts one field produced by source.
func (m *Metrics) FieldResolved(source string) {
	if m == nil {
		return
	}
	m.fieldsResolved.WithLabelValues(source).Inc()
}

// Resolution records one finished resolution.
func (m *Metrics) Resolution(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(state).Inc()
	m.resolveDuration.Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// Walk records one finished traversal of list.
func (m *Metrics) Walk(list string, visited, skipped int, overrun bool) {
	if m == nil {
		return
	}
	m.nodesVisited.WithLabelValues(list).Add(float64(visited))
	m.nodesSkipped.WithLabelValues(list).Add(float64(skipped))
	if overrun {
		m.overruns.WithLabelValues(list).Inc()
	}
}

// WriteSummary writes every non-zero counter and the resolution histogram
// count and sum as "name{label=value} number" lines, sorted by name.
func (m *Metrics) WriteSummary(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.Registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	var lines []string
	for _, mf := range families {
		for _, mt := range mf.GetMetric() {
			var labels []string
			for _, lp := range mt.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			if c := mt.GetCounter(); c != nil && c.GetValue() != 0 {
				lines = append(lines, fmt.Sprintf("%s %g", name, c.GetValue()))
			}
			if h := mt.GetHistogram(); h != nil && h.GetSampleCount() != 0 {
				lines = append(lines,
					fmt.Sprintf("%s_count %d", name, h.GetSampleCount()),
					fmt.Sprintf("%s_sum %g", name, h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
