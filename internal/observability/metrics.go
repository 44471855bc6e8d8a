package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tix_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicketsMinted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_tickets_minted_total",
			Help: "Total tickets minted",
		},
	)

	StockRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_stock_rejections_total",
			Help: "Issuance requests rejected for insufficient stock",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_deliveries_total",
			Help: "Ticket deliveries by outcome",
		},
		[]string{"outcome"},
	)

	Checkins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_checkins_total",
			Help: "Check-in attempts by outcome",
		},
		[]string{"outcome"},
	)

	CollabCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_collab_calls_total",
			Help: "Collaborator calls by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tix_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_rabbit_publish_failures_total",
			Help: "Total failed rabbit publishes",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
