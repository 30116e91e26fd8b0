package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_tasks_dispatched_total",
		Help: "Tasks successfully reserved and published to the assignment stream.",
	})

	dispatchRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_dispatch_rollbacks_total",
		Help: "Dispatches rolled back to ready after a publish or record failure.",
	})
)
