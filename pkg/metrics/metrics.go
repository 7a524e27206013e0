// Package metrics exposes the annotation pipeline's prometheus
// instrumentation: validation-status counters and an attempts histogram,
// pipeline stage-duration histograms, the Serializer's truncation-step
// counter, an Enhancer outcome counter, and a processed-transition counter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ValidationStatusTotal counts Validator outcomes by status
// (success/retry/fallback).
var ValidationStatusTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "annotator_validation_status_total",
		Help: "Count of annotation validation attempts by final status.",
	},
	[]string{"status"},
)

// ValidationAttemptsHistogram tracks how many attempts the Validator spent
// per call before reaching success, retry-success, or fallback.
var ValidationAttemptsHistogram = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "annotator_validation_attempts",
		Help:    "Number of structured-output attempts the Validator made per call.",
		Buckets: []float64{1, 2, 3, 4, 5},
	},
)

// PipelineStageDuration observes each pipeline suspension point: vision
// inference, validator/enhancer/summary LLM calls, and the repository's
// process_request transaction.
var PipelineStageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "annotator_pipeline_stage_duration_seconds",
		Help:    "Duration of each pipeline suspension point.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"},
)

// SerializerTruncationsTotal counts each truncation step the Serializer
// had to apply (notes/report/hard) to fit a rendering within the 4000
// char AnnotationRow.desc budget.
var SerializerTruncationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "annotator_serializer_truncations_total",
		Help: "Count of Serializer truncation steps applied, by step.",
	},
	[]string{"step"},
)

// EnhancementOutcomesTotal counts Enhancer calls by outcome (applied,
// skipped_fallback, error_swallowed).
var EnhancementOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "annotator_enhancement_outcomes_total",
		Help: "Count of Enhancer invocations by outcome.",
	},
	[]string{"outcome"},
)

// RequestRowsProcessedTotal counts completed process_request transactions.
var RequestRowsProcessedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "annotator_request_rows_processed_total",
		Help: "Count of RequestRows transitioned to processed=true.",
	},
)

// RecordValidationStatus increments the per-status counter and observes
// attempts in the same call, since the Validator always produces both
// together.
func RecordValidationStatus(status string, attempts int) {
	ValidationStatusTotal.WithLabelValues(status).Inc()
	ValidationAttemptsHistogram.Observe(float64(attempts))
}

// ObserveStage records the duration of one pipeline suspension point.
func ObserveStage(stage string, d time.Duration) {
	PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSerializerTruncation increments the truncation-step counter the
// Serializer fires when a rendering exceeds the persisted desc budget.
func RecordSerializerTruncation(step string) {
	SerializerTruncationsTotal.WithLabelValues(step).Inc()
}

// RecordEnhancement increments the Enhancer outcome counter.
func RecordEnhancement(outcome string) {
	EnhancementOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRequestProcessed increments the processed-transition counter.
func RecordRequestProcessed() {
	RequestRowsProcessedTotal.Inc()
}

// Timer measures elapsed wall-clock time for a pipeline stage and records
// it against PipelineStageDuration when the stage completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveStage records the Timer's elapsed time against stage and
// returns it, so a call site can both record and log the same duration.
func (t *Timer) ObserveStage(stage string) time.Duration {
	d := t.Elapsed()
	ObserveStage(stage, d)
	return d
}
