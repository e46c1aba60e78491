// Package worker runs queued pipeline jobs.
package worker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/jobqueue"
	"github.com/perfci/perfci/internal/common/logging"
	"github.com/perfci/perfci/internal/perfci/metrics"
	"github.com/perfci/perfci/internal/perfci/progress"
)

// Request is the payload of a pipeline job.
type Request struct {
	BuildId string `json:"buildId"`
}

type Runner interface {
	Run(ctx context.Context, buildId string, reporter progress.Reporter) error
}

// Submit queues a pipeline run of buildId and returns the id of the job, which can be used to follow its progress.
func Submit(ctx context.Context, queue jobqueue.Queue, queueName string, buildId string) (string, error) {
	payload, err := json.Marshal(Request{BuildId: buildId})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return queue.Enqueue(ctx, queueName, payload)
}

type Worker struct {
	queue     jobqueue.Queue
	queueName string
	workerId  string
	runner    Runner
	metrics   *metrics.Metrics
}

func NewWorker(queue jobqueue.Queue, queueName string, workerId string, runner Runner, metrics *metrics.Metrics) *Worker {
	return &Worker{
		queue:     queue,
		queueName: queueName,
		workerId:  workerId,
		runner:    runner,
		metrics:   metrics,
	}
}

// RequeueAbandoned puts back the pipeline jobs this worker was running when it last stopped without finishing them.
func (w *Worker) RequeueAbandoned(ctx context.Context) error {
	n, err := w.queue.Requeue(ctx, w.queueName, w.workerId)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("Requeued %d pipeline jobs abandoned by worker %s", n, w.workerId)
	}
	return nil
}

// Poll runs queued pipelines one after the other until the queue is empty or ctx is cancelled.
func (w *Worker) Poll(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			logging.WithStacktrace(log.WithField("worker", w.workerId), err).Error("failed to process pipeline job")
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessNext runs the pipeline of the oldest queued job, if any, and reports whether there was one.
// The returned error only covers talking to the queue: a failed pipeline marks its job as failed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.queueName, w.workerId)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	request := Request{}
	if err := json.Unmarshal(job.Payload, &request); err != nil || request.BuildId == "" {
		log.WithField("jobId", job.Id).Errorf("discarding pipeline job with invalid payload %q", job.Payload)
		return true, w.queue.Fail(ctx, job, "invalid payload")
	}
	logger := log.WithFields(log.Fields{"jobId": job.Id, "buildId": request.BuildId})
	logger.Info("running pipeline")

	reporter := progress.NewMultiReporter(
		progress.NewLogReporter(logger),
		progress.NewMetricsReporter(w.metrics),
		progress.NewJobStatusReporter(w.queue, job.Id),
	)
	runErr := w.runner.Run(ctx, request.BuildId, reporter)
	if ctx.Err() != nil {
		// Left in the processing list, so it is run again when the worker restarts.
		logger.Warn("worker stopped while running pipeline")
		return true, nil
	}
	if runErr != nil {
		return true, w.queue.Fail(ctx, job, runErr.Error())
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return true, errors.WithStack(err)
	}
	logger.Info("pipeline finished")
	return true, w.queue.Complete(ctx, job, payload)
}
