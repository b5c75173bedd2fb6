package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records batch, item and AI-call telemetry for the upload pipeline.
// A zero value (or nil pointer) silently drops observations.
type PipelineMetrics struct {
	batchDuration *prometheus.HistogramVec
	itemOutcomes  *prometheus.CounterVec
	aiDuration    *prometheus.HistogramVec
	aiRetries     *prometheus.CounterVec
	aiInFlight    *prometheus.GaugeVec
	wsConnections prometheus.Gauge
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	batchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_duration_seconds",
		Help:    "Wall time spent processing upload batches.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"status"})
	itemOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_items_total",
		Help: "Uploads processed by outcome.",
	}, []string{"outcome"})
	aiDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_call_duration_seconds",
		Help:    "Latency of vision and embedding calls including retries.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"capability", "result"})
	aiRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_call_retries_total",
		Help: "Transient AI call failures that were retried.",
	}, []string{"capability"})
	aiInFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ai_calls_in_flight",
		Help: "AI calls currently holding a concurrency slot.",
	}, []string{"capability"})
	wsConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Live authenticated websocket connections on this instance.",
	})
	reg.MustRegister(batchDuration, itemOutcomes, aiDuration, aiRetries, aiInFlight, wsConnections)
	return &PipelineMetrics{
		batchDuration: batchDuration,
		itemOutcomes:  itemOutcomes,
		aiDuration:    aiDuration,
		aiRetries:     aiRetries,
		aiInFlight:    aiInFlight,
		wsConnections: wsConnections,
	}
}

func (m *PipelineMetrics) ObserveBatch(status string, duration time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.WithLabelValues(normalizeLabel(status)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncItem(outcome string) {
	if m == nil || m.itemOutcomes == nil {
		return
	}
	m.itemOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveAICall(capability string, err error, duration time.Duration) {
	if m == nil || m.aiDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aiDuration.WithLabelValues(normalizeLabel(capability), result).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncAIRetry(capability string) {
	if m == nil || m.aiRetries == nil {
		return
	}
	m.aiRetries.WithLabelValues(normalizeLabel(capability)).Inc()
}

// AIInFlight adjusts the in-flight gauge by delta (+1 on acquire, -1 on release).
func (m *PipelineMetrics) AIInFlight(capability string, delta float64) {
	if m == nil || m.aiInFlight == nil {
		return
	}
	m.aiInFlight.WithLabelValues(normalizeLabel(capability)).Add(delta)
}

func (m *PipelineMetrics) SetConnections(n int) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Set(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
