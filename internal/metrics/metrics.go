package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks total blocks processed per pipeline (live, batch)
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_blocks_processed_total",
			Help: "Total number of blocks processed",
		},
		[]string{"pipeline"},
	)

	// FeeRecordsWritten tracks persisted fee records per pipeline
	FeeRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_fee_records_total",
			Help: "Total number of fee records persisted",
		},
		[]string{"pipeline"},
	)

	// PriceSamples tracks external price oracle calls
	PriceSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_price_samples_total",
			Help: "Total number of price oracle samples",
		},
		[]string{"result"},
	)

	// PriceCacheHits tracks price cache lookups that avoided a sample
	PriceCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_price_cache_hits_total",
			Help: "Total number of price cache hits",
		},
		[]string{"layer"},
	)

	// RPCCallsTotal tracks chain RPC calls per method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_rpc_calls_total",
			Help: "Total number of chain RPC calls",
		},
		[]string{"method"},
	)

	// RPCErrorsTotal tracks chain RPC errors per method and class
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_rpc_errors_total",
			Help: "Total number of chain RPC errors",
		},
		[]string{"method", "error_type"},
	)

	// RPCLatency tracks chain RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txfees_rpc_latency_seconds",
			Help:    "Chain RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// JobTransitions tracks batch job lifecycle transitions
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_job_transitions_total",
			Help: "Total number of batch job status transitions",
		},
		[]string{"to"},
	)

	// LeaseOperations tracks lease claim/renew/release outcomes
	LeaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txfees_lease_operations_total",
			Help: "Total number of lease operations",
		},
		[]string{"op", "result"},
	)

	// TrackerLatestBlock tracks the last block processed by the live tracker
	TrackerLatestBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txfees_tracker_latest_block",
			Help: "Latest block number processed by the realtime tracker",
		},
	)

	// TrackerGapBackfills tracks detected head gaps
	TrackerGapBackfills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txfees_tracker_gap_backfills_total",
			Help: "Total number of head gaps backfilled by the realtime tracker",
		},
	)

	// TrackerReconnects tracks live stream reconnect attempts
	TrackerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txfees_tracker_reconnects_total",
			Help: "Total number of live stream reconnects",
		},
	)

	// DBConnectionPoolUsage tracks database pool saturation in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txfees_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
