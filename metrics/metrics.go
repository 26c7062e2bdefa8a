// Package metrics defines the prometheus collectors shared by the hub
// and the reconciliation poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedValidators = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Subsystem: "hub",
		Name:      "connected_validators",
		Help:      "Number of currently connected validators.",
	})
	dispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "hub",
		Name:      "dispatches_total",
		Help:      "Count of validate requests sent to validators.",
	})
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "hub",
		Name:      "ticks_total",
		Help:      "Count of accepted check results.",
	}, []string{"status"})
	rejectedRepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "hub",
		Name:      "rejected_replies_total",
		Help:      "Count of validate replies dropped at the protocol boundary.",
	}, []string{"reason"})
	expiredCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "hub",
		Name:      "expired_callbacks_total",
		Help:      "Count of dispatch callbacks evicted without a reply.",
	})
	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "payout",
		Name:      "reconciliations_total",
		Help:      "Count of payout reconciliation outcomes.",
	}, []string{"outcome"})
	staleLocksClearedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Subsystem: "payout",
		Name:      "stale_locks_cleared_total",
		Help:      "Count of payout locks force-cleared by the staleness sweep.",
	})
)

// Reply rejection reasons.
const (
	ReasonBadSignature = "bad_signature"
	ReasonUnknownToken = "unknown_token"
)

// Reconciliation outcomes.
const (
	OutcomeSettled   = "settled"
	OutcomeSubmitted = "submitted"
	OutcomeRetry     = "retry"
	OutcomeAbandoned = "abandoned"
)

func SetConnectedValidators(n int) {
	connectedValidators.Set(float64(n))
}

func ObserveDispatch() {
	dispatchesTotal.Inc()
}

func ObserveTick(status string) {
	ticksTotal.WithLabelValues(status).Inc()
}

func ObserveRejectedReply(reason string) {
	rejectedRepliesTotal.WithLabelValues(reason).Inc()
}

func AddExpiredCallbacks(n int) {
	expiredCallbacksTotal.Add(float64(n))
}

func ObserveReconciliation(outcome string) {
	payoutsTotal.WithLabelValues(outcome).Inc()
}

func AddStaleLocksCleared(n int) {
	staleLocksClearedTotal.Add(float64(n))
}
