package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pendingResults = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "foreman_pending_results",
	Help: "Depth of the results pending list observed by the PM loop.",
})
