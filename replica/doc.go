package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var replicaTxnsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rivulet_replica_applied_txns_total",
	Help: "Cumulative number of committed transactions applied to the replica.",
})
