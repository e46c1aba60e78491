package loadjob

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/jobqueue"
	"github.com/perfci/perfci/internal/common/logging"
	"github.com/perfci/perfci/internal/perfci/metrics"
)

// Worker takes load jobs off the queue and runs them with an Attacker.
type Worker struct {
	queue     jobqueue.Queue
	queueName string
	workerId  string
	attacker  Attacker
	metrics   *metrics.Metrics
}

func NewWorker(queue jobqueue.Queue, queueName string, workerId string, attacker Attacker, metrics *metrics.Metrics) *Worker {
	return &Worker{
		queue:     queue,
		queueName: queueName,
		workerId:  workerId,
		attacker:  attacker,
		metrics:   metrics,
	}
}

// RequeueAbandoned puts back jobs this worker claimed but never finished, e.g. because the process was killed.
func (w *Worker) RequeueAbandoned(ctx context.Context) error {
	n, err := w.queue.Requeue(ctx, w.queueName, w.workerId)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("Requeued %d load jobs abandoned by worker %s", n, w.workerId)
	}
	return nil
}

// Poll runs queued jobs until the queue is empty or ctx is cancelled.
func (w *Worker) Poll(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			logging.WithStacktrace(log.WithField("worker", w.workerId), err).Error("failed to process load job")
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessNext runs the oldest queued job, if any, and reports whether there was one.
// A job that fails is marked as failed; the returned error only covers talking to the queue.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	status, err := w.queue.Dequeue(ctx, w.queueName, w.workerId)
	if err != nil {
		return false, err
	}
	if status == nil {
		return false, nil
	}
	logger := log.WithField("jobId", status.Id)

	start := time.Now()
	latencies, runErr := w.run(ctx, status)
	w.metrics.RecordLoadJob(runErr, time.Since(start), latencies)

	if runErr != nil {
		if ctx.Err() != nil {
			// Leave the job in the processing list so that it is requeued when the worker restarts.
			return true, nil
		}
		logging.WithStacktrace(logger, runErr).Warn("load job failed")
		return true, w.queue.Fail(ctx, status, runErr.Error())
	}
	payload, err := json.Marshal(result{Latency: latencies})
	if err != nil {
		return true, errors.WithStack(err)
	}
	logger.Infof("load job completed with latencies %v", latencies)
	return true, w.queue.Complete(ctx, status, payload)
}

func (w *Worker) run(ctx context.Context, status *jobqueue.Status) ([]float64, error) {
	job := LoadJob{}
	if err := json.Unmarshal(status.Payload, &job); err != nil {
		return nil, errors.Wrap(err, "decoding load job")
	}
	base := "http://" + net.JoinHostPort(job.Host, strconv.Itoa(job.Port))

	latencies := make([]float64, 0, len(job.Endpoints))
	for i, uri := range job.Endpoints {
		if err := w.queue.SetProgress(ctx, status.Id, i, len(job.Endpoints), fmt.Sprintf("Attacking %s", uri)); err != nil {
			return nil, err
		}
		latency, err := w.attacker.Attack(ctx, base+uri)
		if err != nil {
			return nil, err
		}
		latencies = append(latencies, latency)
	}
	return latencies, nil
}
