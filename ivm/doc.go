// Package ivm implements incremental view maintenance as a dataflow of
// operators over multiset deltas. A compiled query is an operator graph
// rooted at one or more Sources and terminating in a TreeView; at each
// upstream commit boundary the sources are fed row changes, deltas propagate
// through the graph, and the TreeView's sorted contents are the maintained
// query result.
//
// Operators form a closed variant set (Source, Filter, Join, Reduce,
// Concat, Distinct, TreeView) with a uniform capability surface: Hydrate
// to fetch the full current output, and Push to apply an input delta.
// Deltas are sequences of (node, multiplicity) entries; a view is the
// positive-multiplicity subset in its declared order.
package ivm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deltaEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivulet_ivm_delta_entries_total",
		Help: "Cumulative number of multiset delta entries pushed through operators.",
	}, []string{"operator"})
	joinStorageKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivulet_ivm_join_storage_keys",
		Help: "Number of distinct join keys currently held by join-side indexes.",
	})
	reduceGroupRecomputeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivulet_ivm_reduce_group_recompute_total",
		Help: "Cumulative number of reduce group combiner evaluations.",
	})
)
