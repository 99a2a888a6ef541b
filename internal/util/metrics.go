package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Total number of delivered ledger transactions",
	}, []string{"op", "status"})

	LedgerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Total number of rejected ledger transactions",
	}, []string{"reason"})

	CheckTxRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_checktx_rejected_total",
		Help: "Total number of transactions refused before inclusion",
	})

	BlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_block_height",
		Help: "Height of the last committed block",
	})

	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_mempool_size",
		Help: "Number of transactions waiting for inclusion",
	})

	FinalityLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_finality_latency_seconds",
		Help:    "Time from submission to final receipt",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	ClientTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "client_timeout_pending_total",
		Help: "Total number of calls that timed out waiting for finality",
	}, []string{"op"})

	NetworkGuardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "network_guard_outcomes_total",
		Help: "Network guard runs by terminal state",
	}, []string{"state"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_published_total",
		Help: "Total number of ledger events published to the broker",
	}, []string{"event_type"})

	EventsProjectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_projected_total",
		Help: "Total number of ledger events applied to the read model",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
