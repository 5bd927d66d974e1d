package statemanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors fed by registry events
type Metrics struct {
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationsActive   *prometheus.GaugeVec
	Escalations        *prometheus.CounterVec
	ProgressUpdates    *prometheus.CounterVec
}

// NewMetrics creates and registers the registry metrics. A nil registerer
// uses the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "feedback"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations registered",
			},
			[]string{"operation_type"},
		),

		OperationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of operations that reached a terminal status",
			},
			[]string{"operation_type", "status", "cancel_reason"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration from registration to terminal status",
				Buckets:   []float64{.05, .1, .2, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"operation_type", "status"},
		),

		OperationsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_active",
				Help:      "Number of pending or running operations",
			},
			[]string{"operation_type"},
		),

		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Escalation level changes by reached level",
			},
			[]string{"operation_type", "level"},
		),

		ProgressUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_notifications_total",
				Help:      "Progress notifications delivered after throttling",
			},
			[]string{"operation_type"},
		),
	}
}

// Attach feeds the metrics from m until the returned function is called.
func (mt *Metrics) Attach(m *Manager) (detach func()) {
	return m.SubscribeAll(mt.observe)
}

func (mt *Metrics) observe(ev Event) {
	op := ev.Operation
	switch ev.Kind {
	case ChangeCreated:
		mt.OperationsStarted.WithLabelValues(op.OperationType).Inc()
		mt.OperationsActive.WithLabelValues(op.OperationType).Inc()
	case ChangeLevel:
		mt.Escalations.WithLabelValues(op.OperationType, op.Level.String()).Inc()
	case ChangeProgress:
		mt.ProgressUpdates.WithLabelValues(op.OperationType).Inc()
	case ChangeStatus:
		if !op.Status.IsTerminal() {
			return
		}
		mt.OperationsActive.WithLabelValues(op.OperationType).Dec()
		mt.OperationsFinished.WithLabelValues(op.OperationType, string(op.Status), string(op.CancelReason)).Inc()
		if op.CompletedAt != nil {
			mt.OperationDuration.WithLabelValues(op.OperationType, string(op.Status)).
				Observe(op.CompletedAt.Sub(op.StartedAt).Seconds())
		}
	}
}
