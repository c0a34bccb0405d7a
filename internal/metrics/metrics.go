// Package metrics holds the Prometheus collectors of the node lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts lifecycle transitions by target status and outcome
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_node_transitions_total",
		Help: "Node lifecycle transitions by target status and result",
	}, []string{"target", "result"})

	// TransitionDuration tracks how long a transition takes end to end
	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loadgen_node_transition_duration_seconds",
		Help:    "Node lifecycle transition duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	}, []string{"target"})

	// RemoteCommands counts remote commands by command name and result
	RemoteCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_remote_commands_total",
		Help: "Remote commands issued by name and result",
	}, []string{"command", "result"})

	// BatchNodes counts nodes processed by batch operations by outcome
	BatchNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_batch_nodes_total",
		Help: "Nodes processed by batch operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// ReconciledNodes counts nodes moved from in_progress to error by the reconciler
	ReconciledNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadgen_reconciled_nodes_total",
		Help: "Nodes found orphaned in in_progress and marked as error",
	})
)
