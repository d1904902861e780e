// Package metrics holds the Prometheus collectors shared by Helios services.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events by category and processing outcome",
	}, []string{"category", "outcome"})

	UpsertOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "sync",
		Name:      "upserts_total",
		Help:      "Synced entity upserts by kind and outcome",
	}, []string{"kind", "outcome"})

	LockOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "lock",
		Name:      "operations_total",
		Help:      "Environment lock operations by operation and outcome",
	}, []string{"op", "outcome"})

	DeploymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "deploy",
		Name:      "status_transitions_total",
		Help:      "Deployment status writes by resulting status",
	}, []string{"status"})

	StatusChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "statuscheck",
		Name:      "results_total",
		Help:      "Environment health probe results",
	}, []string{"result"})

	StatusCheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "helios",
		Subsystem: "statuscheck",
		Name:      "probe_duration_seconds",
		Help:      "Latency of environment health probes",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Register adds every collector to reg, tolerating collectors registered earlier.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		WebhookEvents,
		UpsertOutcomes,
		LockOperations,
		DeploymentTransitions,
		StatusChecks,
		StatusCheckLatency,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
