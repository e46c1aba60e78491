package loadjob

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/perfci/perfci/internal/common/jobqueue"
)

// RedisClient submits load jobs to a queue consumed by load workers and reads their status back.
type RedisClient struct {
	queue     jobqueue.Queue
	queueName string
}

func NewRedisClient(queue jobqueue.Queue, queueName string) *RedisClient {
	return &RedisClient{queue: queue, queueName: queueName}
}

func (c *RedisClient) Submit(ctx context.Context, job LoadJob) (JobHandle, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return JobHandle{}, errors.WithStack(err)
	}
	id, err := c.queue.Enqueue(ctx, c.queueName, payload)
	if err != nil {
		return JobHandle{}, errors.WithMessagef(err, "submitting load job for %s:%d", job.Host, job.Port)
	}
	return JobHandle{Id: id}, nil
}

func (c *RedisClient) Status(ctx context.Context, handle JobHandle) (JobStatus, error) {
	status, err := c.queue.Get(ctx, handle.Id)
	if err != nil {
		return JobStatus{}, err
	}
	switch status.State {
	case jobqueue.Completed:
		r := result{}
		if err := json.Unmarshal(status.Result, &r); err != nil {
			return JobStatus{}, errors.Wrapf(err, "decoding result of load job %s", handle.Id)
		}
		return JobStatus{State: JobCompleted, Latency: r.Latency, Message: status.Message}, nil
	case jobqueue.Failed:
		return JobStatus{State: JobFailed, Message: status.Message}, nil
	default:
		return JobStatus{State: JobPending, Message: status.Message}, nil
	}
}
