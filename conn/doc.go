package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivulet_conn_sends_total",
		Help: "Cumulative number of outbound messages written to the socket, by tag.",
	}, []string{"tag"})
	connectionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivulet_conn_errors_total",
		Help: "Cumulative number of connections closed with a typed error.",
	}, []string{"kind"})
)
