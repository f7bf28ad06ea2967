// Package metrics defines the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Uplink results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

var (
	UplinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorawan_uplinks_total",
			Help: "Uplinks received, by source and result",
		},
		[]string{"source", "result"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lorawan_stream_subscribers",
			Help: "Open event-stream subscriptions",
		},
	)

	StreamDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lorawan_stream_dropped_total",
			Help: "Messages dropped because a subscriber was not keeping up",
		},
	)

	DownlinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorawan_downlinks_total",
			Help: "Downlinks forwarded to The Things Network, by result",
		},
		[]string{"result"},
	)

	MirrorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lorawan_kafka_mirror_errors_total",
			Help: "Readings that could not be mirrored to Kafka",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lorawan_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
)
