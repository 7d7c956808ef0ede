package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: cache lookups by cache name and result (hit | miss | error).
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of response cache lookups.",
		},
		[]string{"cache", "result"},
	)

	// Gauge: entries currently held per cache.
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Number of entries currently held by each cache.",
		},
		[]string{"cache"},
	)

	// Counter: backend calls by mode (unary | stream) and outcome (ok | error).
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Total number of calls made to the inference backend.",
		},
		[]string{"mode", "outcome"},
	)

	BackendLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_latency_seconds",
			Help:    "Inference backend latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_length",
			Help: "Number of requests waiting in the admission queue.",
		},
	)

	// Counter: requests served by joining an in-flight backend call.
	DedupJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_joins_total",
			Help: "Total number of requests coalesced into an in-flight backend call.",
		},
	)

	// Counter: SSE chunks written, by source (cached | live).
	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Total number of stream chunks emitted to clients.",
		},
		[]string{"source"},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheRequestsTotal,
		CacheEntries,
		BackendRequestsTotal,
		BackendLatencySeconds,
		QueueLength,
		DedupJoinsTotal,
		StreamChunksTotal,
		GatewayLatencySeconds,
	)
}

// ObserveBackend records one backend call.
func ObserveBackend(mode string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackendRequestsTotal.WithLabelValues(mode, outcome).Inc()
	BackendLatencySeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
