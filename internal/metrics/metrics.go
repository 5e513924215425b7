// Package metrics holds the Prometheus collectors for the sync core and the
// data server.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "almanac"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route"},
	)

	liveQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "queries",
			Help:      "Current number of open live queries served.",
		},
	)

	snapshotsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "snapshots_pushed_total",
			Help:      "Total number of snapshots pushed to live queries.",
		},
		[]string{"kind"},
	)

	snapshotsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "snapshots_applied_total",
			Help:      "Total number of snapshots applied to the record store.",
		},
		[]string{"kind"},
	)

	snapshotSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "snapshot_records",
			Help:      "Number of records in applied snapshots.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
		},
		[]string{"kind"},
	)

	subscriptionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subscription_errors_total",
			Help:      "Total number of failed or dropped live queries.",
		},
		[]string{"kind"},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Total number of create, update and delete requests.",
		},
		[]string{"op", "kind", "result"},
	)

	mutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mutation_duration_seconds",
			Help:      "Duration of create, update and delete requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"op"},
	)

	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "optimistic_rollbacks_total",
			Help:      "Total number of optimistic updates restored after a failed request.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		liveQueries,
		snapshotsPushed,
		snapshotsApplied,
		snapshotSize,
		subscriptionErrors,
		mutations,
		mutationDuration,
		rollbacks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler is mux middleware recording request metrics by route
// template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// LiveQueryOpened increments the live query gauge.
func LiveQueryOpened() { liveQueries.Inc() }

// LiveQueryClosed decrements the live query gauge.
func LiveQueryClosed() { liveQueries.Dec() }

// RecordSnapshotPushed counts a snapshot delivered to a live query.
func RecordSnapshotPushed(kind string) {
	snapshotsPushed.WithLabelValues(kind).Inc()
}

// RecordSnapshotApplied counts a snapshot applied to the record store.
func RecordSnapshotApplied(kind string, records int) {
	snapshotsApplied.WithLabelValues(kind).Inc()
	snapshotSize.WithLabelValues(kind).Observe(float64(records))
}

// RecordSubscriptionError counts a failed live query.
func RecordSubscriptionError(kind string) {
	subscriptionErrors.WithLabelValues(kind).Inc()
}

// RecordMutation records one create, update or delete request.
func RecordMutation(op, kind string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	mutations.WithLabelValues(op, kind, result).Inc()
	mutationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRollback counts an optimistic update that was restored.
func RecordRollback(kind string) {
	rollbacks.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
