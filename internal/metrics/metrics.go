// Package metrics holds the Prometheus instruments of the braid agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision outcomes recorded by the scheduler.
const (
	OutcomeBusy            = "busy"
	OutcomeStale           = "stale"
	OutcomeWaitingOnTime   = "waiting_on_time"
	OutcomeAlreadyRecorded = "already_recorded"
	OutcomeWaitingOnBlocks = "waiting_on_blocks"
	OutcomeSent            = "sent"
	OutcomeFailed          = "failed"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_evaluations_total",
		Help: "Head notifications accepted for evaluation, by chain.",
	}, []string{"chain"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_decisions_total",
		Help: "Scheduler decisions by registry, watched chain and outcome.",
	}, []string{"registry", "chain", "outcome"})

	checkpointWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_checkpoint_writes_total",
		Help: "Checkpoint submissions by registry and result.",
	}, []string{"registry", "result"})

	chainHead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "braid_chain_head",
		Help: "Last head number processed per watched chain.",
	}, []string{"chain"})

	consistencyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_consistency_total",
		Help: "Cross-registry comparisons by result (match or clash).",
	}, []string{"result"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_health_checks_total",
		Help: "Dependency health checks by target and result.",
	}, []string{"target", "result"})
)

// RecordEvaluation counts an accepted head notification.
func RecordEvaluation(chain string, head uint64) {
	evaluationsTotal.WithLabelValues(chain).Inc()
	chainHead.WithLabelValues(chain).Set(float64(head))
}

// RecordDecision counts one scheduler decision. registry is empty for
// chain-level outcomes such as busy and stale.
func RecordDecision(registry, chain, outcome string) {
	decisionsTotal.WithLabelValues(registry, chain, outcome).Inc()
}

// RecordWrite counts a checkpoint submission.
func RecordWrite(registry string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	checkpointWritesTotal.WithLabelValues(registry, result).Inc()
}

// RecordComparison counts a consistency comparison.
func RecordComparison(match bool) {
	if match {
		consistencyTotal.WithLabelValues("match").Inc()
		return
	}
	consistencyTotal.WithLabelValues("clash").Inc()
}

// RecordHealthCheck counts a health check of a registry or chain.
func RecordHealthCheck(target string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	healthChecksTotal.WithLabelValues(target, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
