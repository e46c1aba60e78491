// Package progress reports the checkpoints a pipeline run reaches.
package progress

import (
	"context"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/jobqueue"
	"github.com/perfci/perfci/internal/perfci/metrics"
)

type Reporter interface {
	// Report records that checkpoint index of total has been reached.
	Report(ctx context.Context, index int, total int, message string) error
}

type LogReporter struct {
	logger *log.Entry
}

func NewLogReporter(logger *log.Entry) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(_ context.Context, index int, total int, message string) error {
	r.logger.WithField("checkpoint", index).Infof("[%d/%d] %s", index, total, message)
	return nil
}

type MetricsReporter struct {
	metrics *metrics.Metrics
}

func NewMetricsReporter(metrics *metrics.Metrics) *MetricsReporter {
	return &MetricsReporter{metrics: metrics}
}

func (r *MetricsReporter) Report(_ context.Context, index int, _ int, _ string) error {
	r.metrics.SetCheckpoint(index)
	return nil
}

// JobStatusReporter writes progress to the status of the queued job running the pipeline, where clients polling
// the job can see it.
type JobStatusReporter struct {
	queue jobqueue.Queue
	jobId string
}

func NewJobStatusReporter(queue jobqueue.Queue, jobId string) *JobStatusReporter {
	return &JobStatusReporter{queue: queue, jobId: jobId}
}

func (r *JobStatusReporter) Report(ctx context.Context, index int, total int, message string) error {
	return r.queue.SetProgress(ctx, r.jobId, index, total, message)
}

type MultiReporter struct {
	reporters []Reporter
}

func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

// Report reports to every reporter, even if some of them fail.
func (r *MultiReporter) Report(ctx context.Context, index int, total int, message string) error {
	var result *multierror.Error
	for _, reporter := range r.reporters {
		if err := reporter.Report(ctx, index, total, message); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
