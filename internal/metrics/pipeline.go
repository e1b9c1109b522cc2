// Package metrics provides Prometheus metrics for the classification pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains all Prometheus metrics related to request handling.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	Requests             *prometheus.CounterVec
	StageLatency         *prometheus.HistogramVec
	ModelLoads           *prometheus.CounterVec
	ModelLoadDuration    prometheus.Histogram
	PublishFailures      prometheus.Counter
	OrphanedBlobs        prometheus.Counter
	WasteClassifications *prometheus.CounterVec
}

// NewPipelineMetrics creates the metrics and registers them with registry.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waste_requests_total",
			Help: "Classification requests by outcome and failing stage",
		}, []string{"outcome", "stage"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waste_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		ModelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waste_model_loads_total",
			Help: "Model cold-start loads by result",
		}, []string{"result"}),
		ModelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waste_model_load_duration_seconds",
			Help:    "Time spent downloading and deserialising the model",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waste_publish_failures_total",
			Help: "Notifications that could not be delivered",
		}),
		OrphanedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waste_orphaned_blobs_total",
			Help: "Images uploaded without a metadata record",
		}),
		WasteClassifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waste_classifications_total",
			Help: "Successful classifications by binary label",
		}, []string{"waste_binary"}),
	}

	for _, c := range []prometheus.Collector{
		m.Requests, m.StageLatency, m.ModelLoads, m.ModelLoadDuration,
		m.PublishFailures, m.OrphanedBlobs, m.WasteClassifications,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveStage records how long a stage took.
func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSuccess counts a completed request and its label.
func (m *PipelineMetrics) RecordSuccess(wasteBinary int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues("success", "").Inc()
	m.WasteClassifications.WithLabelValues(fmt.Sprint(wasteBinary)).Inc()
}

// RecordFailure counts a request that ended in stage.
func (m *PipelineMetrics) RecordFailure(stage string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues("failure", stage).Inc()
}

// ObserveModelLoad records a cold-start attempt.
func (m *PipelineMetrics) ObserveModelLoad(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.ModelLoads.WithLabelValues(result).Inc()
	m.ModelLoadDuration.Observe(d.Seconds())
}

// IncPublishFailures counts a failed notification.
func (m *PipelineMetrics) IncPublishFailures() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// IncOrphanedBlobs counts an upload left without metadata.
func (m *PipelineMetrics) IncOrphanedBlobs() {
	if m == nil {
		return
	}
	m.OrphanedBlobs.Inc()
}
