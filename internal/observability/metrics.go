package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the process exports.
type Metrics struct {
	// Transaction pipeline
	TxApplied  *prometheus.CounterVec
	TxRejected *prometheus.CounterVec
	TxDuration *prometheus.HistogramVec
	Sequence   prometheus.Gauge

	// Book and matching
	MatchesTotal *prometheus.CounterVec
	BookDepth    *prometheus.GaugeVec

	// Periodic engines
	FundingTicks      prometheus.Counter
	LiquidationsTotal prometheus.Counter

	// Persistence
	PersistBatchDur     prometheus.Histogram
	PersistErrors       prometheus.Counter
	PersistLastSequence prometheus.Gauge
	ProjectionDrops     prometheus.Counter

	// Ingestion
	IngestMessages    *prometheus.CounterVec
	IngestParseErrors prometheus.Counter

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics against the given registry. Pass a fresh
// registry in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TxApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbook_tx_applied_total",
			Help: "Transactions applied, by type.",
		}, []string{"type"}),
		TxRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbook_tx_rejected_total",
			Help: "Transactions rejected at validation, by type and reason.",
		}, []string{"type", "reason"}),
		TxDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpbook_tx_duration_seconds",
			Help:    "Wall time to apply one transaction.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		}, []string{"type"}),
		Sequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perpbook_sequence",
			Help: "Number of transactions applied since start.",
		}),

		MatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbook_matches_total",
			Help: "Maker/taker pairings executed, by market.",
		}, []string{"market"}),
		BookDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpbook_book_depth",
			Help: "Live resting orders, by market and side.",
		}, []string{"market", "side"}),

		FundingTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpbook_funding_ticks_total",
			Help: "Funding periods accrued.",
		}),
		LiquidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpbook_liquidations_total",
			Help: "Traders fully liquidated.",
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpbook_persist_batch_duration_seconds",
			Help:    "Wall time to flush one persistence batch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		PersistErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpbook_persist_errors_total",
			Help: "Persistence flush failures (before retry).",
		}),
		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perpbook_persist_last_sequence",
			Help: "Highest sequence durably persisted.",
		}),
		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpbook_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full.",
		}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbook_ingest_messages_total",
			Help: "Messages consumed from the transaction stream, by subject.",
		}, []string{"subject"}),
		IngestParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpbook_ingest_parse_errors_total",
			Help: "Messages that failed to decode into a transaction.",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbook_query_requests_total",
			Help: "Read API requests, by endpoint.",
		}, []string{"endpoint"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpbook_query_duration_seconds",
			Help:    "Read API handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"endpoint"}),
	}
}
