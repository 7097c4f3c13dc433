package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Requests          *prometheus.CounterVec
	GenerationSeconds *prometheus.HistogramVec
	SegmentsGenerated prometheus.Counter
	Substitutions     *prometheus.CounterVec
	PipelineBuilds    *prometheus.CounterVec
	DeviceMode        *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		GenerationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Wall time of one synthesis request by delivery mode.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),
		SegmentsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_generated_total",
			Help:      "Audio segments produced by the pipelines.",
		}),
		Substitutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parameter_substitutions_total",
			Help:      "Unknown request parameters replaced by defaults.",
		}, []string{"kind"}),
		PipelineBuilds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_builds_total",
			Help:      "Pipeline constructions by outcome.",
		}, []string{"outcome"}),
		DeviceMode: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_mode",
			Help:      "1 for the execution backend currently selected.",
		}, []string{"device"}),
	}
}

// SetDevice flips the device gauge to the given backend.
func (m *Metrics) SetDevice(device string) {
	for _, d := range []string{"cpu", "cuda", "mps"} {
		v := 0.0
		if d == device {
			v = 1.0
		}
		m.DeviceMode.WithLabelValues(d).Set(v)
	}
}

// ObserveGeneration records one completed synthesis.
func (m *Metrics) ObserveGeneration(mode string, d time.Duration, segments int) {
	m.GenerationSeconds.WithLabelValues(mode).Observe(d.Seconds())
	m.SegmentsGenerated.Add(float64(segments))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
