package changelog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	changeLogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_change_log_appends_total",
		Help: "Cumulative number of transactions appended to the change log.",
	})
	changeLogEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_change_log_entries_total",
		Help: "Cumulative number of entries appended to the change log.",
	})
)
