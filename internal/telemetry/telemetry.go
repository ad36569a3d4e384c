// Package telemetry exposes prometheus metrics for cross-validation runs.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "layerguard"

// Metrics holds the collectors of one registry. A nil *Metrics records
// nothing.
type Metrics struct {
	foldsCompleted *prometheus.CounterVec
	foldsFailed    *prometheus.CounterVec
	foldDuration   *prometheus.HistogramVec
	labelMismatch  *prometheus.CounterVec
	foldsResumed   *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg keeps them unregistered,
// which tests use to avoid the global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		foldsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "harness",
			Name:      "folds_completed_total",
			Help:      "Folds fitted, scored and checkpointed",
		}, []string{"method"}),
		foldsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "harness",
			Name:      "folds_failed_total",
			Help:      "Folds aborted by an error",
		}, []string{"method", "stage"}),
		foldDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "harness",
			Name:      "fold_duration_seconds",
			Help:      "Wall time of one fold from load to checkpoint",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"method"}),
		labelMismatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "harness",
			Name:      "adversarial_label_mismatch_total",
			Help:      "Adversarial samples the classifier still assigns their true label",
		}, []string{"method", "split"}),
		foldsResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "harness",
			Name:      "folds_skipped_on_resume_total",
			Help:      "Folds taken from a checkpoint instead of being recomputed",
		}, []string{"method"}),
	}
}

func (m *Metrics) FoldCompleted(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.foldsCompleted.WithLabelValues(method).Inc()
	m.foldDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) FoldFailed(method, stage string) {
	if m == nil {
		return
	}
	m.foldsFailed.WithLabelValues(method, stage).Inc()
}

func (m *Metrics) LabelMismatch(method, split string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.labelMismatch.WithLabelValues(method, split).Add(float64(n))
}

func (m *Metrics) FoldsResumed(method string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.foldsResumed.WithLabelValues(method).Add(float64(n))
}
