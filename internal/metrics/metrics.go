// Package metrics provides Prometheus metrics for casmesh servers and clients.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casmesh/casmesh/pkg/cas"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Outcome labels an operation result by error kind.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cas.ErrNotFound):
		return "not_found"
	case errors.Is(err, cas.ErrContentMismatch):
		return "content_mismatch"
	case errors.Is(err, cas.ErrPartialTransfer):
		return "partial"
	case errors.Is(err, cas.ErrTimeout):
		return "timeout"
	case errors.Is(err, cas.ErrDisallowed):
		return "disallowed"
	case errors.Is(err, cas.ErrProtocol):
		return "protocol"
	case errors.Is(err, cas.ErrStorageIO):
		return "storage_io"
	case errors.Is(err, cas.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

var transferBuckets = prometheus.ExponentialBuckets(0.001, 4, 10)

// ServerMetrics holds the storage server metrics.
type ServerMetrics struct {
	RequestsTotal   *prometheus.CounterVec   // casmesh_server_requests_total{type,outcome}
	RequestDuration *prometheus.HistogramVec // casmesh_server_request_duration_seconds{type}

	FetchesTotal   *prometheus.CounterVec // casmesh_server_fetches_total{outcome}
	FetchDuration  prometheus.Histogram
	StoresTotal    *prometheus.CounterVec // casmesh_server_stores_total{outcome}
	StoreDuration  prometheus.Histogram
	ProxyRedirects *prometheus.CounterVec // casmesh_server_proxy_redirects_total{zone}

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// Sampled by Collector.
	Sessions         prometheus.Gauge
	ActiveRequests   prometheus.Gauge
	ActiveFetches    prometheus.Gauge
	ActiveStores     prometheus.Gauge
	ProxyAssignments prometheus.Gauge
	Entries          prometheus.Gauge
	StoredBytes      prometheus.Gauge
	ActiveWriters    prometheus.Gauge
	PendingWaits     prometheus.Gauge
	Materializations prometheus.Gauge
	LiveViews        prometheus.Gauge
	MemoryBytes      prometheus.Gauge
	MappedBytes      prometheus.Gauge
}

// NewServerMetrics registers the server metrics on reg.
func NewServerMetrics(reg prometheus.Registerer, serverID string) *ServerMetrics {
	constLabels := prometheus.Labels{"server_id": serverID}
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels})
	}

	return &ServerMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_server_requests_total",
			Help:        "Requests handled by message type and outcome",
			ConstLabels: constLabels,
		}, []string{"type", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "casmesh_server_request_duration_seconds",
			Help:        "Request handling time by message type",
			ConstLabels: constLabels,
			Buckets:     transferBuckets,
		}, []string{"type"}),
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_server_fetches_total",
			Help:        "Finished fetches by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "casmesh_server_fetch_duration_seconds",
			Help:        "Time from FetchBegin to the last segment",
			ConstLabels: constLabels,
			Buckets:     transferBuckets,
		}),
		StoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_server_stores_total",
			Help:        "Finished stores by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		StoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "casmesh_server_store_duration_seconds",
			Help:        "Time from StoreBegin to commit",
			ConstLabels: constLabels,
			Buckets:     transferBuckets,
		}),
		ProxyRedirects: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_server_proxy_redirects_total",
			Help:        "Fetches answered with a zone proxy assignment",
			ConstLabels: constLabels,
		}, []string{"zone"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_server_bytes_sent_total",
			Help:        "Bytes written to client connections",
			ConstLabels: constLabels,
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_server_bytes_received_total",
			Help:        "Bytes read from client connections",
			ConstLabels: constLabels,
		}),
		Sessions:         gauge("casmesh_server_sessions", "Open client sessions"),
		ActiveRequests:   gauge("casmesh_server_active_requests", "Requests holding a worker"),
		ActiveFetches:    gauge("casmesh_server_active_fetches", "Open segmented fetches"),
		ActiveStores:     gauge("casmesh_server_active_stores", "Open segmented stores"),
		ProxyAssignments: gauge("casmesh_server_proxy_assignments", "Zones with an assigned proxy"),
		Entries:          gauge("casmesh_store_entries", "Existing entries in the table"),
		StoredBytes:      gauge("casmesh_store_bytes", "Bytes stored under the content root"),
		ActiveWriters:    gauge("casmesh_store_active_writers", "Entries currently being written"),
		PendingWaits:     gauge("casmesh_store_pending_waits", "Keys with callers waiting on a writer"),
		Materializations: gauge("casmesh_store_materializations", "Content produced since start"),
		LiveViews:        gauge("casmesh_buffers_live_views", "Live buffer views"),
		MemoryBytes:      gauge("casmesh_buffers_memory_bytes", "Bytes held in pooled memory views"),
		MappedBytes:      gauge("casmesh_buffers_mapped_bytes", "Bytes held in file mappings"),
	}
}

// ByteCounter counts connection traffic. It satisfies transport.Observer.
type ByteCounter struct {
	Sent, Received prometheus.Counter
}

func (c ByteCounter) BytesSent(n int)     { c.Sent.Add(float64(n)) }
func (c ByteCounter) BytesReceived(n int) { c.Received.Add(float64(n)) }

// Traffic returns an observer feeding BytesSent and BytesReceived.
func (m *ServerMetrics) Traffic() ByteCounter {
	return ByteCounter{Sent: m.BytesSent, Received: m.BytesReceived}
}

// ObserveRequest records one handled request.
func (m *ServerMetrics) ObserveRequest(msgType string, elapsed time.Duration, err error) {
	m.RequestsTotal.WithLabelValues(msgType, Outcome(err)).Inc()
	m.RequestDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

// ObserveFetch records a finished fetch.
func (m *ServerMetrics) ObserveFetch(elapsed time.Duration, err error) {
	m.FetchesTotal.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		m.FetchDuration.Observe(elapsed.Seconds())
	}
}

// ObserveStore records a finished store.
func (m *ServerMetrics) ObserveStore(elapsed time.Duration, err error) {
	m.StoresTotal.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		m.StoreDuration.Observe(elapsed.Seconds())
	}
}

// ClientMetrics holds the storage client metrics.
type ClientMetrics struct {
	RetrievesTotal *prometheus.CounterVec // casmesh_client_retrieves_total{source,outcome}
	RetrieveBytes  *prometheus.CounterVec // casmesh_client_retrieve_bytes_total{source}
	StoresTotal    *prometheus.CounterVec // casmesh_client_stores_total{result}
	StoreBytes     prometheus.Counter
	ProxyFailures  prometheus.Counter
	ScannedFiles   *prometheus.CounterVec // casmesh_client_scanned_files_total{result}
	RelayedFetches *prometheus.CounterVec // casmesh_proxy_relayed_fetches_total{outcome}
}

// NewClientMetrics registers the client metrics on reg.
func NewClientMetrics(reg prometheus.Registerer, name string) *ClientMetrics {
	constLabels := prometheus.Labels{"client": name}
	f := promauto.With(reg)
	return &ClientMetrics{
		RetrievesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_client_retrieves_total",
			Help:        "Retrieves by where the content came from and outcome",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"}),
		RetrieveBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_client_retrieve_bytes_total",
			Help:        "Content bytes received by source",
			ConstLabels: constLabels,
		}, []string{"source"}),
		StoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_client_stores_total",
			Help:        "Stores by result: uploaded, existing, empty or failed",
			ConstLabels: constLabels,
		}, []string{"result"}),
		StoreBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_client_store_bytes_total",
			Help:        "Content bytes uploaded",
			ConstLabels: constLabels,
		}),
		ProxyFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "casmesh_client_proxy_failures_total",
			Help:        "Zone proxies given up on",
			ConstLabels: constLabels,
		}),
		ScannedFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_client_scanned_files_total",
			Help:        "Files visited by directory scans by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		RelayedFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "casmesh_proxy_relayed_fetches_total",
			Help:        "Fetches served to zone peers by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
}

// ObserveRetrieve records a finished retrieve.
func (m *ClientMetrics) ObserveRetrieve(source string, size int64, err error) {
	m.RetrievesTotal.WithLabelValues(source, Outcome(err)).Inc()
	if err == nil {
		m.RetrieveBytes.WithLabelValues(source).Add(float64(size))
	}
}
