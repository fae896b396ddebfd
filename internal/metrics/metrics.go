// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTotal counts segments handed to the engines by direction
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rte_segments_total",
			Help: "Total number of classified segments processed",
		},
		[]string{"shard", "direction"},
	)

	// ExchangesTotal counts closed exchanges by final state
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rte_exchanges_total",
			Help: "Total number of exchanges closed, by state and reason",
		},
		[]string{"shard", "state", "reason"},
	)

	// AnomaliesTotal counts stream anomalies handled locally by the correlator
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rte_anomalies_total",
			Help: "Total number of unmatched, discarded, duplicate and suspect events",
		},
		[]string{"shard", "kind"},
	)

	// ActiveConversations tracks live conversations per shard
	ActiveConversations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rte_active_conversations",
			Help: "Number of conversations currently tracked",
		},
		[]string{"shard"},
	)

	// ResponseTimeSeconds observes completed response times
	ResponseTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rte_response_time_seconds",
			Help:    "Response time of completed exchanges in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 22), // 10us to ~40s
		},
		[]string{"shard"},
	)

	// DecoderErrorsTotal counts packets the decoder could not classify
	DecoderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rte_decoder_errors_total",
			Help: "Total number of packets rejected by the decoder",
		},
		[]string{"reason"},
	)

	// SinkErrorsTotal counts sink write failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rte_sink_errors_total",
			Help: "Total number of result sink errors",
		},
		[]string{"sink"},
	)
)
