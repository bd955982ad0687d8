package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_total",
			Help: "Total number of sessions created by environment",
		},
		[]string{"environment"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of sessions not yet terminated",
		},
	)

	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_by_state",
			Help: "Number of sessions by lifecycle state",
		},
		[]string{"state"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_session_duration_seconds",
			Help:    "Session lifetime from creation to termination in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1800},
		},
	)

	// Container metrics
	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_containers_running",
			Help: "Number of running sandbox containers",
		},
	)

	ContainerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_container_failures_total",
			Help: "Total number of failed container operations",
		},
	)

	// Channel metrics
	ChannelMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_channel_messages_total",
			Help: "Total number of channel messages by direction",
		},
		[]string{"direction"},
	)

	ChannelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_channels_active",
			Help: "Number of live duplex channels",
		},
	)

	// Admission metrics
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections by dimension",
		},
		[]string{"dimension"},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_breaker_open",
			Help: "Whether the admission breaker is open (1 = open)",
		},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_breaker_transitions_total",
			Help: "Total number of breaker state transitions by target state",
		},
		[]string{"state"},
	)

	// Reaper metrics
	ReaperRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reaper_removed_total",
			Help: "Total number of resources removed by the reaper",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsByState)
	prometheus.MustRegister(SessionDuration)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(ContainerFailures)
	prometheus.MustRegister(ChannelMessagesTotal)
	prometheus.MustRegister(ChannelsActive)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(ReaperRemovedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
