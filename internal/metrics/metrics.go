package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Event intake metrics
	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_consumed_total",
			Help: "Total number of events received",
		},
		[]string{"source", "status"}, // source: kafka, http; status: accepted, rejected, malformed
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_dropped_total",
			Help: "Total number of events explicitly dropped",
		},
		[]string{"reason"}, // reason: overloaded, shutdown
	)

	// Dispatcher metrics
	PartitionQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_partition_queue_size",
			Help: "Current depth of a partition's inbound queue",
		},
		[]string{"partition"},
	)

	PartitionQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_partition_queue_capacity",
			Help: "Capacity of each partition's inbound queue",
		},
	)

	EventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_processed_total",
			Help: "Total number of events processed by partition workers",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against all rules for its service",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	// Evaluation metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_verdicts_total",
			Help: "Total evaluator verdicts",
		},
		[]string{"rule_type", "result"}, // result: fired, passed, skipped
	)

	DataQualitySkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_data_quality_skips_total",
			Help: "Events skipped for a rule because a required metric was missing or invalid",
		},
		[]string{"rule_type"},
	)

	WindowStatesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_window_states_active",
			Help: "Number of live (service, rule) window states",
		},
	)

	WindowStatesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_window_states_evicted_total",
			Help: "Window states evicted",
		},
		[]string{"reason"}, // reason: idle_ttl, rule_deleted
	)

	// Alert lifecycle metrics
	AlertsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_opened_total",
			Help: "Alerts created",
		},
		[]string{"severity"},
	)

	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_suppressed_total",
			Help: "Firing verdicts deduplicated into an already-open alert",
		},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_resolved_total",
			Help: "Alerts resolved after quiescence",
		},
	)

	AlertsReopenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_reopened_total",
			Help: "Resolved alerts reopened within the reopen window",
		},
	)

	AlertsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_alerts_open",
			Help: "Currently open alerts (OPEN or ACKNOWLEDGED)",
		},
	)

	// Rule registry metrics
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_rules_loaded",
			Help: "Enabled rules in the current registry snapshot",
		},
	)

	RegistryRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_registry_refresh_total",
			Help: "Rule registry refresh attempts",
		},
		[]string{"status"}, // status: success, failed
	)

	RegistryRefreshAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_registry_refresh_age_seconds",
			Help: "Seconds since the last successful rule refresh",
		},
	)

	// Alert sink metrics
	SinkPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sink_publish_total",
			Help: "Alerts published to the sink",
		},
		[]string{"status"}, // status: success, failed
	)

	SinkPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_sink_publish_duration_seconds",
			Help:    "Time taken to publish an alert to the sink",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	SinkPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_sink_publish_retries_total",
			Help: "Alert publish retries",
		},
	)

	SinkDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_sink_dropped_total",
			Help: "Alerts dropped after exhausting retries or overflowing the emit buffer",
		},
	)

	SinkQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_sink_queue_size",
			Help: "Pending alerts in the emitter buffer",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
