package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pokesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_syncer_pokes_total",
		Help: "Cumulative number of emitted poke sequences.",
	})
	activePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivulet_syncer_active_pipelines",
		Help: "Number of running query pipelines.",
	})
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivulet_syncer_connected_clients",
		Help: "Number of attached client connections.",
	})
)
