package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one node. Metrics are registered
// on the given registerer so tests can run several nodes in one process.
type Metrics struct {
	// --- Matching ---
	OrdersProcessed *prometheus.CounterVec
	FillsTotal      prometheus.Counter
	QueueDepth      prometheus.Gauge

	// --- Replication ---
	MessagesIn      *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	Broadcasts      prometheus.Counter
	SyncsServed     prometheus.Counter
	SyncReplayed    prometheus.Counter
	Role            prometheus.Gauge
	Reconnects      prometheus.Counter
	LookupRounds    prometheus.Counter
}

// Drop reasons used with MessagesDropped.
const (
	DropSelfOrigin = "self_origin"
	DropReqSeen    = "req_seen"
	DropOrderSeen  = "order_seen"
	DropMalformed  = "malformed"
)

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OrdersProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbook_orders_processed_total",
			Help: "Orders run through the matching pipeline, by result kind",
		}, []string{"result"}),

		FillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_fills_total",
			Help: "Individual fills emitted by the matching engine",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orderbook_pipeline_queue_depth",
			Help: "Orders waiting in the processing pipeline",
		}),

		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbook_peer_messages_in_total",
			Help: "Peer messages received, by cmd",
		}, []string{"cmd"}),

		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbook_peer_messages_dropped_total",
			Help: "Peer messages dropped by the delivery guards, by reason",
		}, []string{"reason"}),

		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_broadcasts_total",
			Help: "Locally originated messages sent to the cluster",
		}),

		SyncsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_syncs_served_total",
			Help: "Snapshot responses served to joining followers",
		}),

		SyncReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_sync_orders_replayed_total",
			Help: "Orders replayed from received snapshots",
		}),

		Role: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orderbook_publisher_role",
			Help: "1 when this node is the publisher, 0 when follower",
		}),

		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_reconnects_total",
			Help: "Times the follower connection was lost and rediscovery ran",
		}),

		LookupRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_lookup_rounds_total",
			Help: "Directory lookup attempts during discovery",
		}),
	}
}
