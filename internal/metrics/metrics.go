// Package metrics holds the Prometheus instrumentation for the
// backend: HTTP traffic, job pipeline outcomes and broker pressure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector. Construct once per process.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	CreditsDebited  prometheus.Counter
	CreditsRefunded prometheus.Counter

	BrokerSubscribers prometheus.Gauge
	BrokerDrops       prometheus.Counter

	RoomMembers *prometheus.GaugeVec
}

// New registers all collectors on reg. Tests pass a fresh registry;
// the server passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skybuild_http_requests_total",
				Help: "HTTP requests by route, method and status class",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skybuild_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		JobsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skybuild_jobs_submitted_total",
				Help: "Take-off jobs accepted for processing",
			},
		),
		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skybuild_jobs_finished_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"status", "error_code"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skybuild_job_stage_duration_seconds",
				Help:    "Time spent per pipeline stage",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		CreditsDebited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skybuild_credits_debited_total",
				Help: "Credits taken at job submission",
			},
		),
		CreditsRefunded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skybuild_credits_refunded_total",
				Help: "Credits returned for failed or canceled jobs",
			},
		),
		BrokerSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skybuild_broker_subscribers",
				Help: "Live broker subscriptions",
			},
		),
		BrokerDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skybuild_broker_dropped_events_total",
				Help: "Events evicted from full subscriber queues",
			},
		),
		RoomMembers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skybuild_room_members",
				Help: "WebSocket members per project room",
			},
			[]string{"project"},
		),
	}
}
