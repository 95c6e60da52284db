package ulog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Metrics groups the gauges/meters/counter the update log exposes:
// buffered op count, remaining-replay log count, remaining-replay byte count,
// and numeric state as gauges; ops replay/applyingBuffered/copyOverOldUpdates
// as meters (modeled as prometheus.Counter, the idiomatic Go analogue of a
// Dropwizard meter); and a handler start time counter.
type Metrics struct {
	BufferedOpCount         prometheus.Gauge
	RemainingReplayLogCount prometheus.Gauge
	RemainingReplayByteCount prometheus.Gauge
	State                   prometheus.Gauge

	OpsReplay             prometheus.Counter
	OpsApplyingBuffered   prometheus.Counter
	OpsCopyOverOldUpdates prometheus.Counter

	HandlerStartTime prometheus.Counter
}

// NewMetrics registers a fresh set of ulog metrics against reg. Passing a
// prometheus.NewRegistry() (rather than the global default registry) is
// recommended for tests so repeated UpdateLog instances don't collide on
// metric names.
func NewMetrics(reg prometheus.Registerer, shard string) *Metrics {
	labels := prometheus.Labels{"shard": shard}
	m := &Metrics{
		BufferedOpCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulog_buffered_op_count", Help: "Number of ops appended to the buffer tlog.",
			ConstLabels: labels,
		}),
		RemainingReplayLogCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulog_remaining_replay_log_count", Help: "Number of logs left to replay.",
			ConstLabels: labels,
		}),
		RemainingReplayByteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulog_remaining_replay_byte_count", Help: "Bytes left to replay.",
			ConstLabels: labels,
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulog_state", Help: "Numeric update log state (0=REPLAYING,1=BUFFERING,2=APPLYING_BUFFERED,3=ACTIVE).",
			ConstLabels: labels,
		}),
		OpsReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulog_ops_replay_total", Help: "Ops dispatched during crash replay.",
			ConstLabels: labels,
		}),
		OpsApplyingBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulog_ops_applying_buffered_total", Help: "Ops dispatched while applying buffered updates.",
			ConstLabels: labels,
		}),
		OpsCopyOverOldUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulog_ops_copy_over_old_updates_total", Help: "Old log files evicted by retention trimming, one increment per file.",
			ConstLabels: labels,
		}),
		HandlerStartTime: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulog_handler_start_time_seconds", Help: "Unix time the update log handler started, as a monotonically written counter.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.BufferedOpCount, m.RemainingReplayLogCount, m.RemainingReplayByteCount,
			m.State, m.OpsReplay, m.OpsApplyingBuffered, m.OpsCopyOverOldUpdates, m.HandlerStartTime,
		} {
			_ = reg.Register(c) // duplicate registration is a test/reuse hazard, not fatal
		}
	}
	return m
}

// MetricsSnapshot is a plain-value read of a Metrics' current gauges and
// counters, for tests and diagnostics that don't want to scrape a live
// Prometheus registry.
type MetricsSnapshot struct {
	BufferedOpCount          float64
	RemainingReplayLogCount  float64
	RemainingReplayByteCount float64
	State                    float64

	OpsReplay             float64
	OpsApplyingBuffered   float64
	OpsCopyOverOldUpdates float64
}

// snapshot reads m's current values via testutil.ToFloat64, for asserting on
// a counter/gauge without a live scrape.
func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BufferedOpCount:          testutil.ToFloat64(m.BufferedOpCount),
		RemainingReplayLogCount:  testutil.ToFloat64(m.RemainingReplayLogCount),
		RemainingReplayByteCount: testutil.ToFloat64(m.RemainingReplayByteCount),
		State:                    testutil.ToFloat64(m.State),
		OpsReplay:                testutil.ToFloat64(m.OpsReplay),
		OpsApplyingBuffered:      testutil.ToFloat64(m.OpsApplyingBuffered),
		OpsCopyOverOldUpdates:    testutil.ToFloat64(m.OpsCopyOverOldUpdates),
	}
}
