package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleet_"

	outcomePushed  = "pushed"
	outcomeDropped = "dropped"
)

// Result labels.
const (
	ResultSuccess     = "success"
	ResultRejected    = "rejected"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Session kinds.
const (
	SessionRobot     = "robot"
	SessionDashboard = "dashboard"
	SessionStream    = "stream"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestDrops    *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	sessions *prometheus.GaugeVec

	fanoutEvents        *prometheus.CounterVec
	statisticsBroadcast prometheus.Counter
	retentionRemoved    prometheus.Counter

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers fleet metrics. When store is set, gauges of stored records
// and robots are collected from it on every scrape.
func Init(store StoreCounter, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total telemetry readings by result",
			},
			[]string{"result"},
		)
		ingestDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_drops_total",
				Help: "Total dropped robot frames by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Telemetry ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		sessions = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sessions",
				Help: "Live sessions by kind",
			},
			[]string{"kind"},
		)

		fanoutEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_events_total",
				Help: "Dashboard events by type and outcome",
			},
			[]string{"event", "outcome"},
		)
		statisticsBroadcast = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "statistics_broadcasts_total",
				Help: "Total fleet statistics broadcasts",
			},
		)
		retentionRemoved = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_removed_total",
				Help: "Total telemetry records removed by retention sweeps",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestDrops,
			ingestLatency,
			sessions,
			fanoutEvents,
			statisticsBroadcast,
			retentionRemoved,
			exportTotal,
			exportLatency,
		)

		if store != nil {
			prometheus.MustRegister(newStoreCollector(store, logger))
		}
	})
}

// ObserveIngest records ingest duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestDrop increments the dropped frame counter.
func IncIngestDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestDrops != nil {
		ingestDrops.WithLabelValues(reason).Inc()
	}
}

// SessionOpened increments the live session gauge for kind.
func SessionOpened(kind string) {
	if sessions != nil {
		sessions.WithLabelValues(kind).Inc()
	}
}

// SessionClosed decrements the live session gauge for kind.
func SessionClosed(kind string) {
	if sessions != nil {
		sessions.WithLabelValues(kind).Dec()
	}
}

// ObserveFanout counts one delivery attempt of event.
func ObserveFanout(event string, delivered bool) {
	if fanoutEvents == nil {
		return
	}
	outcome := outcomePushed
	if !delivered {
		outcome = outcomeDropped
	}
	fanoutEvents.WithLabelValues(event, outcome).Inc()
}

// IncStatisticsBroadcast counts one statistics tick.
func IncStatisticsBroadcast() {
	if statisticsBroadcast != nil {
		statisticsBroadcast.Inc()
	}
}

// AddRetentionRemoved adds swept records.
func AddRetentionRemoved(count int64) {
	if count <= 0 {
		return
	}
	if retentionRemoved != nil {
		retentionRemoved.Add(float64(count))
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}
