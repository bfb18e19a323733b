package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OmniVault.
type Metrics struct {
	// --- Vault Core ---
	VaultEventsEmitted   *prometheus.CounterVec
	VaultEventsRejected  *prometheus.CounterVec
	VaultTotalShares     prometheus.Gauge
	VaultRate            prometheus.Gauge
	VaultFeeReserve      prometheus.Gauge
	VaultPendingRequests *prometheus.GaugeVec
	VaultSequence        prometheus.Gauge

	// --- Settlement ---
	SettlementsProcessed *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	CallbackReplays      *prometheus.CounterVec
	CallbackUnknown      *prometheus.CounterVec

	// --- Ingestion ---
	CallbacksReceived *prometheus.CounterVec
	CallbacksRejected *prometheus.CounterVec
	NATSPullLatency   *prometheus.HistogramVec
	IngestToApply     *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistRequestsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	// --- Snapshots ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Vault Core
		VaultEventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_emitted_total",
			Help: "Events emitted by the vault core",
		}, []string{"type"}),

		VaultEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_rejected_total",
			Help: "Operations rejected (validation, access, status)",
		}, []string{"type", "reason"}),

		VaultTotalShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_shares",
			Help: "Outstanding vault shares (whole units)",
		}),

		VaultRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lp_rate",
			Help: "Current value per share (whole units)",
		}),

		VaultFeeReserve: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_fee_reserve",
			Help: "Accrued protocol fee value (whole units)",
		}),

		VaultPendingRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_pending_requests",
			Help: "In-flight venue requests awaiting settlement",
		}, []string{"category"}),

		VaultSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_sequence",
			Help: "Current global event sequence number",
		}),

		// Settlement
		SettlementsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_settlements_processed_total",
			Help: "Settlement callbacks reconciled",
		}, []string{"category", "outcome"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_settlement_duration_seconds",
			Help:    "Time to reconcile a settlement callback",
			Buckets: latencyBuckets,
		}, []string{"category"}),

		CallbackReplays: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_callback_replays_total",
			Help: "Callbacks for keys already settled",
		}, []string{"category"}),

		CallbackUnknown: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_callback_unknown_total",
			Help: "Callbacks for keys never registered",
		}, []string{"category"}),

		// Ingestion
		CallbacksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_callbacks_received_total",
			Help: "Venue callbacks received from NATS",
		}, []string{"subject"}),

		CallbacksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_callbacks_rejected_total",
			Help: "Venue callbacks rejected (parse, auth, validation)",
		}, []string{"subject", "reason"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ingest_to_apply_seconds",
			Help:    "NATS receive to vault apply complete",
			Buckets: ingestBuckets,
		}, []string{"category"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistRequestsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_requests_written_total",
			Help: "Request rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		// Snapshots
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of the most recent snapshot",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
