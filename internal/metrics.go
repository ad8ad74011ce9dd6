package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitjira_requests_total",
		Help: "Inbound webhook and tracker requests by route.",
	}, []string{"route"})
	parseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitjira_parse_errors_total",
		Help: "Inbound payloads that failed signature checks or decoding.",
	}, []string{"route"})
	enqueueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitjira_enqueue_errors_total",
		Help: "Sync jobs that could not be handed to the queue.",
	}, []string{"queue"})
	chunkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitjira_bulk_chunk_failures_total",
		Help: "Issue-key chunks the tracker rejected during bulk uploads.",
	})
	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitjira_installation_verifications_total",
		Help: "Installation health checks by outcome.",
	}, []string{"outcome"})
)

// IncRequest counts one inbound request on route.
func IncRequest(route string) {
	requestsTotal.WithLabelValues(route).Inc()
}

// IncParseError counts a payload on route that failed verification or decoding.
func IncParseError(route string) {
	parseErrors.WithLabelValues(route).Inc()
}

// IncEnqueueError counts a job the named queue did not accept.
func IncEnqueueError(queue string) {
	enqueueErrors.WithLabelValues(queue).Inc()
}

// AddChunkFailures adds n rejected bulk chunks. Non-positive n is ignored.
func AddChunkFailures(n int) {
	if n > 0 {
		chunkFailures.Add(float64(n))
	}
}

// IncVerification counts one installation health check by outcome.
func IncVerification(outcome string) {
	verifications.WithLabelValues(outcome).Inc()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
