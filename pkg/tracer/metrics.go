package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tracesEntered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktrace_traces_entered_total",
		Help: "Tracing sessions started",
	})

	// tracesExpired counts sessions by the reason they expired: "exit" or "backward_threshold".
	tracesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktrace_traces_expired_total",
		Help: "Tracing sessions expired, by reason",
	}, []string{"reason"})

	nodesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktrace_nodes_recorded_total",
		Help: "Graph nodes recorded, by node kind",
	}, []string{"kind"})

	exportBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ktrace_export_bytes",
		Help:    "Size of exported payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(64, 4, 12), // 64B to ~268MB
	}, []string{"part"})
)

const (
	expiredByExit              = "exit"
	expiredByBackwardThreshold = "backward_threshold"
)
