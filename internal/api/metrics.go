package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iamcore_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iamcore_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	authzDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iamcore_authz_decisions_total",
		Help: "Authorization decisions by outcome.",
	}, []string{"decision"})

	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iamcore_tokens_issued_total",
		Help: "Number of tokens issued.",
	})

	keyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iamcore_key_rotations_total",
		Help: "Number of signing key rotations.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, authzDecisions, tokensIssued, keyRotations)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
