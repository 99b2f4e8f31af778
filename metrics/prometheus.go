// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "conflict"

// Collector implements resolve.MetricsCollector.
type Collector struct {
	resolutions   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	confidence    *prometheus.HistogramVec
	escalations   *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	userChoices   *prometheus.CounterVec
	collaborators *prometheus.CounterVec
}

var _ resolve.MetricsCollector = (*Collector)(nil)

// NewCollector registers the engine metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Conflicts resolved, by field type, method and resolution type.",
		}, []string{"field_type", "method", "resolution_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent in Resolve, including persistence and broadcast.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"field_type"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_confidence",
			Help:      "Confidence of produced resolutions.",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 1},
		}, []string{"method"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Automatic attempts below threshold that were escalated to manual resolution.",
		}, []string{"field_type", "attempted_method"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Resolutions that fell back to the local value after an error.",
		}, []string{"reason"}),
		userChoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_choices_total",
			Help:      "Manual conflicts finalized by a user, by choice.",
		}, []string{"choice"}),
		collaborators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Store and notifier failures absorbed by the engine.",
		}, []string{"collaborator", "operation"}),
	}

	for _, col := range []prometheus.Collector{
		c.resolutions, c.duration, c.confidence, c.escalations, c.fallbacks, c.userChoices, c.collaborators,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) RecordResolution(fieldType resolve.FieldType, method resolve.Method, resolutionType resolve.ResolutionType, confidence float64, duration time.Duration) {
	c.resolutions.WithLabelValues(string(fieldType), string(method), string(resolutionType)).Inc()
	c.duration.WithLabelValues(string(fieldType)).Observe(duration.Seconds())
	c.confidence.WithLabelValues(string(method)).Observe(confidence)
}

func (c *Collector) RecordEscalation(fieldType resolve.FieldType, attempted resolve.Method) {
	c.escalations.WithLabelValues(string(fieldType), string(attempted)).Inc()
}

func (c *Collector) RecordFallback(reason string) {
	c.fallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordUserChoice(choice resolve.Choice) {
	c.userChoices.WithLabelValues(string(choice)).Inc()
}

func (c *Collector) RecordCollaboratorError(collaborator, operation string) {
	c.collaborators.WithLabelValues(collaborator, operation).Inc()
}

