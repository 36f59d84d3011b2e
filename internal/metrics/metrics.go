// Package metrics aggregates per-TA, per-repository, and per-transport
// counters emitted alongside each snapshot (spec §2 "metrics
// aggregation").
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/rpkiwire/rpki-rp/internal/collector"
	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/rrdp"
)

// Collector aggregates counters in its own VictoriaMetrics set so it
// can be mounted at an arbitrary path by internal/httpapi without
// colliding with any process-wide default metrics set.
type Collector struct {
	set *vmetrics.Set

	rejectedResources atomic.Int64
	unsafeWarned      atomic.Int64
	unsafeDropped     atomic.Int64
	aspaOverflow      atomic.Int64
}

// New builds a Collector with its gauges wired to their backing atomics.
func New() *Collector {
	c := &Collector{set: vmetrics.NewSet()}
	c.set.GetOrCreateGauge("rpki_rp_rejected_resources", func() float64 {
		return float64(c.rejectedResources.Load())
	})
	c.set.GetOrCreateGauge("rpki_rp_unsafe_vrps_warned", func() float64 {
		return float64(c.unsafeWarned.Load())
	})
	c.set.GetOrCreateGauge("rpki_rp_unsafe_vrps_dropped", func() float64 {
		return float64(c.unsafeDropped.Load())
	})
	c.set.GetOrCreateGauge("rpki_rp_aspa_overflow_dropped", func() float64 {
		return float64(c.aspaOverflow.Load())
	})
	return c
}

// TAValidationRun records one trust anchor's validation outcome and wall time.
func (c *Collector) TAValidationRun(ta string, d time.Duration, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`rpki_rp_ta_runs_total{ta=%q,result=%q}`, ta, result)).Inc()
	c.set.GetOrCreateHistogram(fmt.Sprintf(`rpki_rp_ta_run_duration_seconds{ta=%q}`, ta)).Update(d.Seconds())
}

// RepositoryFetch records which transport served one publication point.
func (c *Collector) RepositoryFetch(repo string, t collector.Transport) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`rpki_rp_repository_fetch_total{repo=%q,transport=%q}`, repo, t.String())).Inc()
}

// SnapshotReason records why an RRDP repository fell back to a full
// snapshot instead of applying deltas. ReasonNone (the common case, no
// fallback) is not counted.
func (c *Collector) SnapshotReason(repo string, reason rrdp.SnapshotReason) {
	if reason == rrdp.ReasonNone {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`rpki_rp_snapshot_reason_total{repo=%q,reason=%q}`, repo, string(reason))).Inc()
}

// RecordSnapshot updates the gauges derived from the latest snapshot build.
func (c *Collector) RecordSnapshot(m payload.Metrics, rejectedResources int) {
	c.unsafeWarned.Store(int64(m.UnsafeVRPsWarned))
	c.unsafeDropped.Store(int64(m.UnsafeVRPsDropped))
	c.aspaOverflow.Store(int64(m.ASPAOverflowDropped))
	c.rejectedResources.Store(int64(rejectedResources))
}

// WritePrometheus writes every registered metric in Prometheus text format.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}
