// Package metrics holds the prometheus counters exported by both the
// master and the agent, grouped the way the teacher's own
// harpoon-scheduler/instrumentation.go groups its scheduler counters:
// one Namespace, a Subsystem per binary, a Counter/Gauge per event.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "edgerm"

// Master counters.
var (
	PingsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "pings_received_total",
		Help:      "Number of Ping messages received from agents.",
	})
	TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "tasks_dispatched_total",
		Help:      "Number of tasks handed to an agent via a Pong's RunTask field.",
	})
	AgentsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "agents_reaped_total",
		Help:      "Number of agents removed for exceeding their liveness window.",
	})
	OffersServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "offers_served_total",
		Help:      "Number of resource offers handed to frameworks.",
	})
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "tasks_submitted_total",
		Help:      "Number of RunTask submissions accepted from frameworks.",
	})
	KnownAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "known_agents",
		Help:      "Number of agents tracked by the store, set when a ping is handled; reaping does not update it.",
	})
)

// Agent counters.
var (
	PingsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "pings_sent_total",
		Help:      "Number of Ping messages sent to the master.",
	})
	PingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "ping_failures_total",
		Help:      "Number of Ping round trips that errored or timed out.",
	})
	TasksRun = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "tasks_run_total",
		Help:      "Number of tasks handed to the container runtime.",
	})
	TasksErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "tasks_errored_total",
		Help:      "Number of tasks that ended in the ERRORED state.",
	})
)

func init() {
	prometheus.MustRegister(
		PingsReceived, TasksDispatched, AgentsReaped, OffersServed, TasksSubmitted, KnownAgents,
		PingsSent, PingFailures, TasksRun, TasksErrored,
	)
}
