package changesource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivulet_source_changes_total",
		Help: "Cumulative number of decoded upstream changes, by tag.",
	}, []string{"tag"})
	sourceAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_source_acks_total",
		Help: "Cumulative number of acknowledgements sent upstream.",
	})
	sourceReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_source_reconnects_total",
		Help: "Cumulative number of upstream session re-dials.",
	})
)
