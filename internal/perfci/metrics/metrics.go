package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/perfci/perfci/internal/common/perferrors"
)

const MetricsPrefix = "perfci_"

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	stageDuration     *prometheus.HistogramVec
	pipelineOutcomes  *prometheus.CounterVec
	pipelineDuration  prometheus.Histogram
	checkpoint        prometheus.Gauge
	loadJobOutcomes   *prometheus.CounterVec
	loadJobDuration   prometheus.Histogram
	endpointLatencies prometheus.Histogram
}

// New registers the pipeline metrics with registerer. Registering twice with the same registerer panics.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricsPrefix + "pipeline_stage_duration_seconds",
				Help:    "Time spent in each stage of the pipeline",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
			},
			[]string{"stage"},
		),
		pipelineOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricsPrefix + "pipeline_runs_total",
				Help: "Number of pipeline runs grouped by outcome and failure reason",
			},
			[]string{"outcome", "reason"},
		),
		pipelineDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricsPrefix + "pipeline_duration_seconds",
				Help:    "Duration of whole pipeline runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		checkpoint: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricsPrefix + "pipeline_checkpoint",
				Help: "Index of the last checkpoint reached by the running pipeline",
			},
		),
		loadJobOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricsPrefix + "load_jobs_total",
				Help: "Number of load jobs run by this worker grouped by outcome",
			},
			[]string{"outcome"},
		),
		loadJobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricsPrefix + "load_job_duration_seconds",
				Help:    "Duration of load jobs run by this worker",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
		endpointLatencies: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricsPrefix + "endpoint_mean_latency_seconds",
				Help:    "Mean latency measured for a single endpoint by a load job",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
		),
	}
}

func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.stageDuration.With(map[string]string{"stage": stage}).Observe(duration.Seconds())
}

func (m *Metrics) SetCheckpoint(index int) {
	m.checkpoint.Set(float64(index))
}

// RecordPipelineRun counts a finished run; err is the error it returned, if any.
func (m *Metrics) RecordPipelineRun(err error, duration time.Duration) {
	m.pipelineOutcomes.With(map[string]string{
		"outcome": outcome(err),
		"reason":  perferrors.Reason(err),
	}).Inc()
	m.pipelineDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordLoadJob(err error, duration time.Duration, latencies []float64) {
	m.loadJobOutcomes.With(map[string]string{"outcome": outcome(err)}).Inc()
	m.loadJobDuration.Observe(duration.Seconds())
	for _, latency := range latencies {
		m.endpointLatencies.Observe(latency)
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSucceeded
}
