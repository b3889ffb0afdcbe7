package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridgeflow"

var (
	// Ingest
	DepositsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_received_total",
		Help:      "Raw deposit rows received from upstream feeds",
	}, []string{"feed"})

	DepositsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_ingested_total",
		Help:      "Deposits accepted into the rolling buffer",
	})

	DepositsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_duplicate_total",
		Help:      "Deposits discarded because their id was already seen",
	})

	DepositsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_dropped_total",
		Help:      "Malformed deposit rows dropped by the normalizer",
	}, []string{"reason"})

	InvalidAmounts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_amounts_total",
		Help:      "Deposits whose amount could not be parsed and was zeroed",
	})

	IngestOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_overflows_total",
		Help:      "Raw deposits lost because the ingest channel stayed full",
	})

	// Aggregation
	UnresolvedDestinations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unresolved_destination_total",
		Help:      "Transactions excluded because their destination chain is unknown",
	})

	BufferedTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffered_transactions",
		Help:      "Transactions in the rolling buffer",
	})

	SeenIDs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "seen_ids",
		Help:      "Entries in the dedup seen-set",
	})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_duration_seconds",
		Help:      "Time spent in one prune and aggregate pass",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	ActiveParticles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_particles",
		Help:      "Display particles alive across all routes",
	})

	// Feeds
	FeedUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_up",
		Help:      "Whether an upstream feed is connected (1) or degraded (0)",
	}, []string{"feed"})

	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_reconnects_total",
		Help:      "Reconnect attempts per upstream feed",
	}, []string{"feed"})

	// Outputs
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected websocket clients",
	})

	PersistedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persisted_transactions_total",
		Help:      "Transactions written to the history store",
	})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_published_total",
		Help:      "Change notifications published to redis",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
