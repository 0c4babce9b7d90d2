package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duaia",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duaia",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duaia",
			Subsystem: "gate",
			Name:      "reservations_total",
			Help:      "Reservation attempts by operation and result.",
		},
		[]string{"operation", "result"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duaia",
			Subsystem: "gate",
			Name:      "settlements_total",
			Help:      "Task settlements by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duaia",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of provider submit and poll calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider", "call", "success"},
	)

	sweepExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "duaia",
			Subsystem: "sweep",
			Name:      "expired_tasks_total",
			Help:      "Tasks expired by the staleness sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		reservations,
		settlements,
		providerCalls,
		sweepExpired,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordReservation counts a reservation attempt. result is "ok", "insufficient" or "error".
func RecordReservation(operation, result string) {
	reservations.WithLabelValues(operation, result).Inc()
}

// RecordSettlement counts a settled task.
func RecordSettlement(provider, outcome string) {
	settlements.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderCall records the latency of one provider call.
func ObserveProviderCall(provider, call string, d time.Duration, success bool) {
	providerCalls.WithLabelValues(provider, call, strconv.FormatBool(success)).Observe(d.Seconds())
}

// RecordExpired counts tasks expired by the sweep.
func RecordExpired(n int) {
	sweepExpired.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses ids so label cardinality stays bounded:
// /v1/tasks/abc/poll -> /v1/tasks/:id/poll.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := range parts {
		if i == 0 {
			continue
		}
		switch parts[i-1] {
		case "tasks", "callbacks":
			parts[i] = ":" + strings.TrimSuffix(parts[i-1], "s")
		}
	}
	return "/" + strings.Join(parts, "/")
}
