package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Prometheus collectors for the cache and upload path. A Metrics value is built
against a registerer supplied by the service; library components accept a nil
*Metrics and fall back to an unregistered set, so tests never collide on the
default registry.
*/

////////////////////////////////////////////////////////////////////////////////

// Drop reasons.
const (
	DropCacheFull = "cache_full"
	DropInvalid   = "invalid"
	DropClosed    = "closed"
)

// Metrics holds all tapecache collectors.
type Metrics struct {
	RecordsAdded     *prometheus.CounterVec
	RecordsFlushed   *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	CorruptionResets *prometheus.CounterVec
	RecordsSent      *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	CacheRecords     *prometheus.GaugeVec
	CacheFileBytes   *prometheus.GaugeVec
	ServerStatus     *prometheus.GaugeVec
	UploadDuration   prometheus.Histogram
}

// New creates the collectors and registers them with registerer. If
// registerer is nil a private registry is used.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Metrics{
		RecordsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_records_added_total",
				Help: "Records accepted into the pending list of a topic cache",
			},
			[]string{"topic"},
		),
		RecordsFlushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_records_flushed_total",
				Help: "Records written to a queue file",
			},
			[]string{"topic"},
		),
		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_records_dropped_total",
				Help: "Records discarded during a flush",
			},
			[]string{"topic", "reason"},
		),
		CorruptionResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_corruption_resets_total",
				Help: "Queue files deleted and recreated after corruption",
			},
			[]string{"topic"},
		),
		RecordsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_records_sent_total",
				Help: "Records uploaded and removed from a cache",
			},
			[]string{"topic"},
		),
		SendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapecache_send_failures_total",
				Help: "Failed batch uploads by failure kind",
			},
			[]string{"topic", "kind"},
		),
		CacheRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapecache_cache_records",
				Help: "Records stored in a topic cache",
			},
			[]string{"topic"},
		),
		CacheFileBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapecache_cache_file_bytes",
				Help: "Size of the queue file backing a topic cache",
			},
			[]string{"topic"},
		),
		ServerStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapecache_server_status",
				Help: "1 for the current server status, 0 for the others",
			},
			[]string{"status"},
		),
		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tapecache_upload_cycle_seconds",
				Help:    "Duration of an upload cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// OrNew returns m, or an unregistered set if m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
