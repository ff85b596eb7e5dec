// Package metrics wires the core's instrumentation into Prometheus, exposed
// by internal/httpapi at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AvgLatencyMs mirrors C5's rolling-window "avg_latency_ms" metric
	// (end-of-speech to final-transcript-emitted).
	AvgLatencyMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_avg_latency_ms",
		Help: "Rolling average of end-to-emit latency across the last 100 finals",
	})

	FinalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_final_latency_ms",
		Help:    "Per-utterance end-of-speech to final-transcript latency",
		Buckets: []float64{20, 50, 100, 150, 250, 500, 1000, 2000},
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_frames_dropped_total",
		Help: "Audio frames dropped due to queue overflow",
	})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_provider_errors_total",
		Help: "Provider call errors by kind",
	}, []string{"kind"})

	RouterActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_router_actions_total",
		Help: "Command router actions by tier",
	}, []string{"action"})

	SecondPassUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_second_pass_upgrades_total",
		Help: "Finals replaced by a higher-confidence second pass",
	})

	CalibrationAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_calibration_accuracy",
		Help: "Accuracy (0-100) of the most recently completed calibration",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_barge_ins_total",
		Help: "Barge-in signals written on above-threshold input energy",
	})
)
