// Package metrics exposes prometheus collectors for the round engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "rounds_total",
		Help:      "Rounds finished, by terminal phase.",
	}, []string{"phase"})

	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "bets_total",
		Help:      "Bet admissions, by result code.",
	}, []string{"result"})

	CashoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "cashouts_total",
		Help:      "Cashouts, by trigger.",
	}, []string{"trigger"})

	WageredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "wagered_minor_units_total",
		Help:      "Sum of accepted wagers.",
	})

	PaidOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "paid_out_minor_units_total",
		Help:      "Sum of cashout winnings.",
	})

	DependencyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crash",
		Name:      "dependency_failures_total",
		Help:      "External dependency failures after retries.",
	}, []string{"dependency"})

	CrashPoint = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crash",
		Name:      "crash_point",
		Help:      "Crash multipliers of finished rounds.",
		Buckets:   []float64{1, 1.5, 2, 3, 5, 10, 25, 100, 1000},
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crash",
		Name:      "connected_clients",
		Help:      "Open websocket connections.",
	})
)
