// Package metrics exposes Prometheus metrics for module dispatch and frame delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/camplug/internal/buffer"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Dispatch metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RejectionsTotal   *prometheus.CounterVec

	// Delivery metrics
	FramesDeliveredTotal *prometheus.CounterVec
	FramesDroppedTotal   *prometheus.CounterVec
	Buffers              *prometheus.GaugeVec
	NotificationsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camplug_operations_total",
				Help: "Total number of module operations dispatched",
			},
			[]string{"op", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camplug_operation_duration_seconds",
				Help:    "Module operation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"op"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camplug_operation_rejections_total",
				Help: "Total number of operations refused by the version gate",
			},
			[]string{"op", "reason"},
		),
		FramesDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camplug_frames_delivered_total",
				Help: "Total number of frames handed to consumers",
			},
			[]string{"module"},
		),
		FramesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camplug_frames_dropped_total",
				Help: "Total number of frames dropped before reaching a consumer",
			},
			[]string{"module", "reason"},
		),
		Buffers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "camplug_buffers",
				Help: "Registered frame buffers by ownership state",
			},
			[]string{"module", "state"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camplug_notifications_total",
				Help: "Total number of notifications raised",
			},
			[]string{"module", "kind"},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.RejectionsTotal,
		m.FramesDeliveredTotal,
		m.FramesDroppedTotal,
		m.Buffers,
		m.NotificationsTotal,
	)

	return m
}

// ObserveCall records a dispatched operation.
func (m *Metrics) ObserveCall(op plugin.OpID, res plugin.Result, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op.String(), res.String()).Inc()
	m.OperationDuration.WithLabelValues(op.String()).Observe(d.Seconds())
}

// ObserveRejection records an operation refused by the version gate.
func (m *Metrics) ObserveRejection(op plugin.OpID, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(op.String(), reason).Inc()
}

// FrameDelivered records a frame handed to a consumer.
func (m *Metrics) FrameDelivered(module string) {
	if m == nil {
		return
	}
	m.FramesDeliveredTotal.WithLabelValues(module).Inc()
}

// FramesDropped records n frames dropped for reason.
func (m *Metrics) FramesDropped(module, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(module, reason).Add(float64(n))
}

// SetBuffers publishes a buffer occupancy snapshot.
func (m *Metrics) SetBuffers(module string, st buffer.Stats) {
	if m == nil {
		return
	}
	m.Buffers.WithLabelValues(module, buffer.Free.String()).Set(float64(st.Free))
	m.Buffers.WithLabelValues(module, buffer.Filling.String()).Set(float64(st.Filling))
	m.Buffers.WithLabelValues(module, buffer.Ready.String()).Set(float64(st.Ready))
	m.Buffers.WithLabelValues(module, buffer.Locked.String()).Set(float64(st.Locked))
}

// Notification records a raised notification.
func (m *Metrics) Notification(module, kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(module, kind).Inc()
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
