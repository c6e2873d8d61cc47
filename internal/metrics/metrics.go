// Package metrics exposes Prometheus collectors for the job collector.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes reported by ObservePage.
const (
	PageRecords        = "records"
	PageEmpty          = "empty"
	PageTransportError = "transport_error"
	PageDecodeError    = "decode_error"
)

// Admit results reported by ObserveAdmit.
const (
	AdmitWritten   = "admitted"
	AdmitDuplicate = "duplicate"
	AdmitError     = "error"
)

var (
	collectorPagesTotal            *prometheus.CounterVec
	collectorRecordsTotal          *prometheus.CounterVec
	collectorFetchDurationSeconds  *prometheus.HistogramVec
	collectorTermsTotal            *prometheus.CounterVec
	collectorActiveWorkers         prometheus.Gauge
	collectorRateLimitDelaySeconds prometheus.Histogram
	collectorPacerDelaySeconds     prometheus.Histogram
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcollector_pages_total",
				Help: "Total number of upstream pages fetched, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		collectorRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcollector_records_total",
				Help: "Total number of records passed through the ledger, labeled by result.",
			},
			[]string{"result"},
		)

		collectorFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcollector_fetch_duration_seconds",
				Help:    "Histogram of upstream page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		collectorTermsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcollector_terms_total",
				Help: "Total number of search terms processed, labeled by status.",
			},
			[]string{"status"},
		)

		collectorActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcollector_active_workers",
				Help: "Number of workers currently processing a search term.",
			},
		)

		collectorRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobcollector_rate_limit_delay_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		collectorPacerDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobcollector_pacer_delay_seconds",
				Help:    "Histogram of delays inserted between consecutive page fetches.",
				Buckets: []float64{0.25, 0.5, 1, 1.5, 2, 2.5, 3, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one page fetch against the upstream endpoint.
func ObservePage(endpoint, outcome string, duration time.Duration) {
	if collectorPagesTotal == nil {
		return
	}
	site := SanitizeSite(endpoint)
	collectorPagesTotal.WithLabelValues(site, outcome).Inc()
	collectorFetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveAdmit records the ledger's verdict for one record.
func ObserveAdmit(result string) {
	if collectorRecordsTotal == nil {
		return
	}
	collectorRecordsTotal.WithLabelValues(result).Inc()
}

// ObserveTerm increments the term counter for the given status.
func ObserveTerm(status string) {
	if collectorTermsTotal == nil {
		return
	}
	collectorTermsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if collectorActiveWorkers == nil {
		return
	}
	collectorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if collectorActiveWorkers == nil {
		return
	}
	collectorActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	if collectorRateLimitDelaySeconds == nil {
		return
	}
	collectorRateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObservePacerDelay records the delay drawn between two page fetches.
func ObservePacerDelay(duration time.Duration) {
	if collectorPacerDelaySeconds == nil {
		return
	}
	collectorPacerDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
