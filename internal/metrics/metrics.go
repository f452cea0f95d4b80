// Package metrics exposes optional Prometheus instrumentation for a
// memtrace run. It is never required: every type in interpret and
// resolver that accepts a collector treats a nil one as a no-op, so
// the default zero-dependency path (spec's Non-goals exclude metrics
// as a feature) is unaffected. Grounded on
// containerd-nydus-snapshotter's pkg/metrics/{registry,types,data}
// convention of registering against a private registry rather than
// prometheus's global default.
package metrics

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector bundles the counters and histogram a tracing run can
// optionally publish.
type Collector struct {
	registry *prometheus.Registry

	allocations       prometheus.Counter
	leakedAllocations prometheus.Gauge
	tmpAllocations    prometheus.Counter
	lookupLatency     prometheus.Histogram
}

// New returns a Collector registered against its own private
// prometheus.Registry (never the global default registry).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memtrace_allocations_total",
			Help: "Total number of Alloc records observed.",
		}),
		leakedAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memtrace_leaked_allocations",
			Help: "Allocations currently live (in flight).",
		}),
		tmpAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memtrace_tmp_allocations_total",
			Help: "Allocations classified temporary (freed immediately after creation).",
		}),
		lookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memtrace_resolver_lookup_seconds",
			Help:    "Wall time of non-cached Resolver.Lookup calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(c.allocations, c.leakedAllocations, c.tmpAllocations, c.lookupLatency)

	return c
}

// Registry returns the private registry these metrics are registered
// against, for serving via promhttp.HandlerFor or dumping via
// expfmt.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// LookupLatencyObserver exposes the resolver-latency histogram as a
// plain prometheus.Observer, for resolver.WithLookupLatencyObserver.
func (c *Collector) LookupLatencyObserver() prometheus.Observer {
	return c.lookupLatency
}

// DumpText renders every registered metric in the Prometheus text
// exposition format, for the no-HTTP-server default path.
func (c *Collector) DumpText() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", errors.Wrap(err, "gather metrics")
	}

	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", errors.Wrap(err, "encode metric family")
		}
	}
	return sb.String(), nil
}

// OnAlloc implements interpret.StatsObserver.
func (c *Collector) OnAlloc() {
	c.allocations.Inc()
}

// OnLeaked implements interpret.StatsObserver.
func (c *Collector) OnLeaked(delta int64) {
	c.leakedAllocations.Add(float64(delta))
}

// OnTemporary implements interpret.StatsObserver.
func (c *Collector) OnTemporary() {
	c.tmpAllocations.Inc()
}
