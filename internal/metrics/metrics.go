package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bulk item outcomes.
const (
	OutcomeSucceeded       = "succeeded"
	OutcomeSkippedExisting = "skipped_existing"
	OutcomeFailed          = "failed"
	OutcomePlanned         = "planned"
)

// Database metrics
var (
	// DBQueriesTotal tracks the total number of database queries
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"query_type", "table", "status"},
	)

	// DBQueryDuration tracks the duration of database queries
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type", "table"},
	)

	// DBConnectionsOpen tracks the number of open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of established connections both in use and idle",
		},
	)

	// DBConnectionsInUse tracks the number of connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of connections currently in use",
		},
	)

	// DBConnectionsIdle tracks the number of idle connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle connections",
		},
	)

	// AppInfo provides static information about the application
	AppInfo = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercache_app_info",
			Help: "Application information (always 1)",
		},
	)

	// AppStartTime records when the application started
	AppStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercache_app_start_time_seconds",
			Help: "Unix timestamp of when the application started",
		},
	)
)

// Cache metrics
var (
	// IngestsTotal counts dataset ingests by status
	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercache_ingests_total",
			Help: "Total number of dataset ingests",
		},
		[]string{"status"},
	)

	// IngestDuration tracks how long one ingest transaction takes
	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weathercache_ingest_duration_seconds",
			Help:    "Duration of dataset ingest transactions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// RebuildsTotal counts cache rebuilds by status
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercache_rebuilds_total",
			Help: "Total number of full cache rebuilds",
		},
		[]string{"status"},
	)

	// LastRebuild records when the last successful rebuild finished
	LastRebuild = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercache_last_rebuild_timestamp_seconds",
			Help: "Unix timestamp of the last successful rebuild",
		},
	)

	// LastRebuildDuration records how long the last rebuild took
	LastRebuildDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercache_last_rebuild_duration_seconds",
			Help: "Duration of the last rebuild in seconds",
		},
	)
)

// Bulk download metrics
var (
	// BulkItemsTotal counts bulk request outcomes
	BulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercache_bulk_items_total",
			Help: "Total number of bulk download items by outcome",
		},
		[]string{"outcome", "error_class"},
	)

	// FetchDuration tracks remote dataset fetches
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weathercache_fetch_duration_seconds",
			Help:    "Duration of remote dataset fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)

	// BulkWorkersBusy is the number of bulk workers currently running a task
	BulkWorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercache_bulk_workers_busy",
			Help: "Number of bulk workers currently running a task",
		},
	)
)

func init() {
	// Set app info to 1 (always visible)
	AppInfo.Set(1)
	// Record app start time
	AppStartTime.SetToCurrentTime()
}

// RecordDBQuery records a database query execution
func RecordDBQuery(queryType, table string, duration time.Duration, err error) {
	DBQueriesTotal.WithLabelValues(queryType, table, status(err)).Inc()
	DBQueryDuration.WithLabelValues(queryType, table).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(open, inUse, idle int) {
	DBConnectionsOpen.Set(float64(open))
	DBConnectionsInUse.Set(float64(inUse))
	DBConnectionsIdle.Set(float64(idle))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordIngest records one ingest transaction
func RecordIngest(duration time.Duration, err error) {
	IngestsTotal.WithLabelValues(status(err)).Inc()
	IngestDuration.Observe(duration.Seconds())
}

// RecordRebuild records a full rebuild
func RecordRebuild(duration time.Duration, err error) {
	RebuildsTotal.WithLabelValues(status(err)).Inc()
	LastRebuildDuration.Set(duration.Seconds())
	if err == nil {
		LastRebuild.SetToCurrentTime()
	}
}

// RecordFetch records a remote fetch
func RecordFetch(duration time.Duration, err error) {
	FetchDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// RecordBulkItem records the outcome of one bulk request
func RecordBulkItem(outcome, errorClass string) {
	BulkItemsTotal.WithLabelValues(outcome, errorClass).Inc()
}
