// Package metrics exposes the supervisor's operational counters in the
// Prometheus text exposition format (spec.md's ambient observability
// surface). Grounded directly on the teacher's
// agent/internal/transport.Metrics: atomic counters/gauges, a snapshot
// ordered for stable output, and a Handler serving them on demand —
// generalized from gRPC-transport counters to capture-daemon lifecycle
// counters (captures started/failed, ring buffer drops, agent crashes).
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds every counter/gauge the supervisor reports. The zero value
// is ready to use; all counters start at zero.
type Metrics struct {
	CapturesStarted   atomic.Int64
	CapturesCompleted atomic.Int64
	CapturesFailed    atomic.Int64

	AgentSpawns atomic.Int64
	AgentCrashes atomic.Int64

	RingBufferFramesWritten atomic.Int64
	RingBufferFramesDropped atomic.Int64

	OutboundReconnects atomic.Int64
	OutboundWriteErrors atomic.Int64

	ExternalConnectionsAccepted atomic.Int64

	// ActiveCaptures is a gauge: 1 while a capture session is running, 0
	// otherwise.
	ActiveCaptures atomic.Int64
}

// New allocates a new Metrics value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value.
type metricLine struct {
	name  string
	help  string
	kind  string // "counter" or "gauge"
	value int64
}

// snapshot captures the current values of all metrics in a stable order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			name:  "gatord_captures_started_total",
			help:  "Total number of capture sessions started.",
			kind:  "counter",
			value: m.CapturesStarted.Load(),
		},
		{
			name:  "gatord_captures_completed_total",
			help:  "Total number of capture sessions that completed normally.",
			kind:  "counter",
			value: m.CapturesCompleted.Load(),
		},
		{
			name:  "gatord_captures_failed_total",
			help:  "Total number of capture sessions that ended in a capture_failed message.",
			kind:  "counter",
			value: m.CapturesFailed.Load(),
		},
		{
			name:  "gatord_agent_spawns_total",
			help:  "Total number of agent child processes forked.",
			kind:  "counter",
			value: m.AgentSpawns.Load(),
		},
		{
			name:  "gatord_agent_crashes_total",
			help:  "Total number of agent child processes that exited unexpectedly.",
			kind:  "counter",
			value: m.AgentCrashes.Load(),
		},
		{
			name:  "gatord_ring_buffer_frames_written_total",
			help:  "Total number of frames successfully written into a ring buffer.",
			kind:  "counter",
			value: m.RingBufferFramesWritten.Load(),
		},
		{
			name:  "gatord_ring_buffer_frames_dropped_total",
			help:  "Total number of frames dropped because the ring buffer had no room.",
			kind:  "counter",
			value: m.RingBufferFramesDropped.Load(),
		},
		{
			name:  "gatord_outbound_reconnects_total",
			help:  "Total number of times the outbound sink redialed the capture host.",
			kind:  "counter",
			value: m.OutboundReconnects.Load(),
		},
		{
			name:  "gatord_outbound_write_errors_total",
			help:  "Total number of errors writing a frame to the outbound sink.",
			kind:  "counter",
			value: m.OutboundWriteErrors.Load(),
		},
		{
			name:  "gatord_external_connections_accepted_total",
			help:  "Total number of annotation/Perfetto data connections accepted.",
			kind:  "counter",
			value: m.ExternalConnectionsAccepted.Load(),
		},
		{
			name:  "gatord_active_captures",
			help:  "1 while a capture session is running, 0 otherwise.",
			kind:  "gauge",
			value: m.ActiveCaptures.Load(),
		},
	}
}

// Handler returns an http.Handler that writes every metric in the
// Prometheus text exposition format on each GET request, suitable for
// mounting at /metrics on a chi.Router.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
