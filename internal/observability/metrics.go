package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LubaLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied   *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration *prometheus.HistogramVec
	CoreJournals        *prometheus.CounterVec
	CoreSequence        prometheus.Gauge

	// --- Auctions & Escrow ---
	AuctionsCreated     prometheus.Counter
	BidsPlaced          prometheus.Counter
	EscrowDeposited     prometheus.Counter
	EscrowWithdrawn     prometheus.Counter
	PoolsSettled        prometheus.Counter
	ExternalTransferErr *prometheus.CounterVec
	PayoutsInFlight     prometheus.Gauge
	PayoutsReconciled   *prometheus.CounterVec

	// --- Credentials ---
	CredentialVerifications *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_core_events_applied_total",
			Help: "Events applied by the engine",
		}, []string{"event_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_core_commands_rejected_total",
			Help: "Commands rejected (validation, state, authorization, resource, duplicate)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luba_core_command_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_core_sequence",
			Help: "Next global sequence number",
		}),

		// Auctions & Escrow
		AuctionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_auctions_created_total",
			Help: "Auctions started",
		}),

		BidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_bids_placed_total",
			Help: "Bids accepted",
		}),

		EscrowDeposited: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_escrow_deposits_total",
			Help: "Successful escrow deposits",
		}),

		EscrowWithdrawn: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_escrow_withdrawals_total",
			Help: "Confirmed escrow withdrawals",
		}),

		PoolsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_pools_settled_total",
			Help: "Bid pools paid out to creators",
		}),

		ExternalTransferErr: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_token_transfer_errors_total",
			Help: "Token collaborator failures",
		}, []string{"operation"}),

		PayoutsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_payouts_in_flight",
			Help: "Outbound transfers with no recorded outcome after reconciliation",
		}),

		PayoutsReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_payouts_reconciled_total",
			Help: "In-flight transfers settled at startup, by outcome",
		}, []string{"outcome"}),

		// Credentials
		CredentialVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_credential_verifications_total",
			Help: "Signed credential verifications by result",
		}, []string{"result"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luba_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luba_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luba_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_projection_drops_total",
			Help: "Outputs dropped on a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_publish_drops_total",
			Help: "Public events that failed to publish",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_idempotency_duplicates_total",
			Help: "Duplicate commands by tier",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_dedup_lru_size",
			Help: "Idempotency LRU entries",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_ingest_messages_total",
			Help: "NATS command messages by subject and outcome",
		}, []string{"subject", "outcome"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_persist_events_written_total",
			Help: "Events committed to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_persist_journals_written_total",
			Help: "Journal rows committed to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luba_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luba_persist_batch_duration_seconds",
			Help:    "Time to commit a persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Projections
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luba_projection_update_duration_seconds",
			Help:    "Time to update a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luba_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "luba_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "luba_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luba_query_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "luba_query_errors_total",
			Help: "API errors by kind",
		}, []string{"endpoint", "kind"}),
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
