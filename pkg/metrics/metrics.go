package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_events_emitted_total",
			Help: "Total number of events emitted by type",
		},
		[]string{"type"},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docpipe_stream_clients",
			Help: "Number of connected streaming clients",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_jobs_total",
			Help: "Total number of jobs by plugin and final status",
		},
		[]string{"plugin", "status"},
	)

	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docpipe_jobs_running",
			Help: "Number of currently running jobs by plugin",
		},
		[]string{"plugin"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docpipe_queue_depth",
			Help: "Pending tasks in the broker queue by plugin",
		},
		[]string{"plugin"},
	)

	// Document metrics
	DocumentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_documents_created_total",
			Help: "Total number of documents created by type",
		},
		[]string{"type"},
	)

	// Plugin metrics
	PluginsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docpipe_plugins_active",
			Help: "Number of active plugins",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_api_requests_total",
			Help: "Total API requests by path and status code",
		},
		[]string{"path", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsEmitted,
		StreamClients,
		JobsTotal,
		JobsRunning,
		QueueDepth,
		DocumentsCreated,
		PluginsActive,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
