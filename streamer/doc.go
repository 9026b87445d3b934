package streamer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	committedTxnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_streamer_committed_txns_total",
		Help: "Cumulative number of transactions persisted, applied and broadcast.",
	})
	duplicateCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_streamer_duplicate_commits_total",
		Help: "Cumulative number of replayed transactions recognized as already persisted.",
	})
	subscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivulet_streamer_subscribers",
		Help: "Number of live change stream subscribers.",
	})
	subscriberOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_streamer_subscriber_overflows_total",
		Help: "Cumulative number of subscribers cancelled for queue overflow.",
	})
)
