package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpBook.
type Metrics struct {
	// --- Order flow ---
	OrdersPlaced    *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	Trades          prometheus.Counter
	TradeVolume     prometheus.Counter
	RestingOrders   prometheus.Gauge
	EngineOpDur     *prometheus.HistogramVec
	EngineSequence  prometheus.Gauge

	// --- Collateral ---
	Deposits        prometheus.Counter
	Withdrawals     prometheus.Counter
	CustodyFailures *prometheus.CounterVec

	// --- Price feed ---
	PriceUpdates *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationTriggered prometheus.Counter
	LiquidationExecuted  *prometheus.CounterVec
	LiquidationFailed    prometheus.Counter
	LiquidationQueue     prometheus.Gauge
	SweepDuration        prometheus.Histogram
	SweepBatchSize       prometheus.Histogram

	// --- Socialization ---
	SocializationRuns      *prometheus.CounterVec
	SocializationRecovered *prometheus.CounterVec
	SocializationDeficit   prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- HTTP API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. It registers on
// the default registry and must be called once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Order flow
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_placed_total",
			Help: "Orders accepted by the engine",
		}, []string{"kind", "side"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_rejected_total",
			Help: "Orders rejected before touching the book",
		}, []string{"kind", "reason"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_cancelled_total",
			Help: "Orders removed from the book without filling",
		}, []string{"reason"}),

		Trades: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_trades_total",
			Help: "Trades executed",
		}),

		TradeVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_trade_volume_usd_total",
			Help: "Notional traded",
		}),

		RestingOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_book_resting_orders",
			Help: "Orders resting in the book",
		}),

		EngineOpDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_engine_operation_duration_seconds",
			Help:    "Time spent holding the market lock per operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_sequence",
			Help: "Last notification sequence emitted",
		}),

		// Collateral
		Deposits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_deposits_total",
			Help: "Deposits credited",
		}),

		Withdrawals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_withdrawals_total",
			Help: "Withdrawals debited",
		}),

		CustodyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_custody_failures_total",
			Help: "Custodian calls that failed",
		}, []string{"direction"}),

		// Price feed
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Reference price messages by result",
		}, []string{"result"}),

		// Liquidation
		LiquidationTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidations_triggered_total",
			Help: "Liquidations triggered",
		}),

		LiquidationExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_executed_total",
			Help: "Liquidations executed by method",
		}, []string{"method"}),

		LiquidationFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidations_failed_total",
			Help: "Liquidations whose closing order found no liquidity",
		}),

		LiquidationQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_liquidation_queue_depth",
			Help: "Accounts waiting for liquidation evaluation",
		}),

		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_liquidation_sweep_duration_seconds",
			Help:    "Liquidation sweep time",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		SweepBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_liquidation_sweep_scanned",
			Help:    "Accounts scanned per sweep",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),

		// Socialization
		SocializationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_socialization_runs_total",
			Help: "ADL runs by status",
		}, []string{"status"}),

		SocializationRecovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_socialization_recovered_usd_total",
			Help: "Gap loss recovered by source",
		}, []string{"source"}),

		SocializationDeficit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_socialization_deficit_usd_total",
			Help: "Gap loss written off as bad debt",
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization_ratio",
			Help: "Size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Notifications dropped because the publish channel was full",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write time",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// HTTP API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_http_requests_total",
			Help: "HTTP requests",
		}, []string{"route", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
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
