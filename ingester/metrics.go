package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_results_ingested_total",
		Help: "Result messages applied successfully, by kind.",
	}, []string{"kind"})

	resultsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_results_dead_lettered_total",
		Help: "Result messages moved to the dead-letter stream.",
	})

	resultsLostUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_results_lost_updates_total",
		Help: "Result messages dropped after persistent version conflicts.",
	})

	messagesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_results_claimed_total",
		Help: "Stale pending result messages claimed by the janitor.",
	})
)
