package cvr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cvrCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_cvr_commits_total",
		Help: "Cumulative number of committed CVR versions.",
	})
	cvrPatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_cvr_row_patches_total",
		Help: "Cumulative number of row patches committed to CVRs.",
	})
)
