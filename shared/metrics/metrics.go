package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "meeting_transcriber"

	// Labels
	statusLabel    = "status"
	outcomeLabel   = "outcome"
	operationLabel = "operation"
	artifactLabel  = "artifact"
	taskLabel      = "task"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

/**
* Metrics definition
**/
var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "number of transcription runs by terminal status",
	},
	[]string{statusLabel},
)

var chunksProcessedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_processed_total",
		Help:      "number of audio segments processed by outcome",
	},
	[]string{outcomeLabel},
)

var engineCallDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_call_duration_seconds",
		Help:      "latency of transcription engine calls",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{operationLabel, outcomeLabel},
)

var minutesGeneratedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "minutes_generated_total",
		Help:      "number of minutes generation attempts by outcome",
	},
	[]string{outcomeLabel},
)

var ingestionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_total",
		Help:      "number of artifact ingestions by artifact and status",
	},
	[]string{artifactLabel, statusLabel},
)

var tasksMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_processed_total",
		Help:      "number of queue tasks handled by the worker",
	},
	[]string{taskLabel, outcomeLabel},
)

var jobsInFlightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "number of queue tasks currently being processed",
	},
)

func IncreaseJobsFinished(status string) {
	jobsFinishedMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseChunksProcessed(outcome string) {
	chunksProcessedMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func ObserveEngineCall(operation string, err error, elapsed time.Duration) {
	engineCallDurationMetric.With(prometheus.Labels{
		operationLabel: operation,
		outcomeLabel:   outcomeOf(err),
	}).Observe(elapsed.Seconds())
}

func IncreaseMinutesGenerated(err error) {
	minutesGeneratedMetric.With(prometheus.Labels{outcomeLabel: outcomeOf(err)}).Inc()
}

func IncreaseIngestions(artifact, status string) {
	ingestionsMetric.With(prometheus.Labels{artifactLabel: artifact, statusLabel: status}).Inc()
}

func IncreaseTasksProcessed(task string, err error) {
	tasksMetric.With(prometheus.Labels{taskLabel: task, outcomeLabel: outcomeOf(err)}).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement
func TrackInFlight() func() {
	jobsInFlightMetric.Inc()
	return jobsInFlightMetric.Dec
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(chunksProcessedMetric)
	prometheus.MustRegister(engineCallDurationMetric)
	prometheus.MustRegister(minutesGeneratedMetric)
	prometheus.MustRegister(ingestionsMetric)
	prometheus.MustRegister(tasksMetric)
	prometheus.MustRegister(jobsInFlightMetric)
}
