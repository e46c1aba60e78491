// Package jobqueue is a small Redis backed work queue with a status hash per job.
//
// Jobs are pushed onto a list per queue. A worker pops a job id into a processing list of its own, so that a job
// whose worker crashed can be put back on the queue when that worker restarts. The status of every job is kept in
// its own hash, which callers poll through the job id returned by Enqueue.
package jobqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/perferrors"
)

const (
	queuePrefix      = "Queue:"
	processingInfix  = ":Processing:"
	statusPrefix     = "Status:"
	defaultRetention = 24 * time.Hour
)

const (
	fieldQueue     = "queue"
	fieldState     = "state"
	fieldNum       = "num"
	fieldTotal     = "total"
	fieldMessage   = "message"
	fieldPayload   = "payload"
	fieldResult    = "result"
	fieldWorker    = "worker"
	fieldUpdatedAt = "updatedAt"
)

type State string

const (
	Queued    State = "queued"
	Working   State = "working"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Status is the last recorded state of a job.
type Status struct {
	Id        string
	Queue     string
	State     State
	Num       int
	Total     int
	Message   string
	Payload   []byte
	Result    []byte
	Worker    string
	UpdatedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (string, error)
	Dequeue(ctx context.Context, queue string, workerId string) (*Status, error)
	SetProgress(ctx context.Context, id string, num int, total int, message string) error
	Complete(ctx context.Context, job *Status, result []byte) error
	Fail(ctx context.Context, job *Status, message string) error
	Get(ctx context.Context, id string) (*Status, error)
	Requeue(ctx context.Context, queue string, workerId string) (int, error)
}

type RedisQueue struct {
	db        redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisQueue creates a queue whose status hashes expire retention after their last update.
// A zero retention uses a default of one day.
func NewRedisQueue(db redis.UniversalClient, retention time.Duration) *RedisQueue {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisQueue{db: db, retention: retention, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(id),
			fieldQueue, queue,
			fieldState, string(Queued),
			fieldPayload, string(payload),
			fieldUpdatedAt, q.timestamp(),
		)
		pipe.Expire(ctx, statusKey(id), q.retention)
		pipe.LPush(ctx, queueKey(queue), id)
		return nil
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return id, nil
}

// Dequeue claims the oldest job on queue for workerId. It returns nil if the queue is empty.
// Jobs whose status expired while they were queued are dropped.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, workerId string) (*Status, error) {
	for {
		id, err := q.db.RPopLPush(ctx, queueKey(queue), processingKey(queue, workerId)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		expired, err := q.dropIfExpired(ctx, processingKey(queue, workerId), id)
		if err != nil {
			return nil, err
		}
		if expired {
			continue
		}
		err = q.update(ctx, id,
			fieldState, string(Working),
			fieldWorker, workerId,
		)
		if err != nil {
			return nil, err
		}
		return q.Get(ctx, id)
	}
}

func (q *RedisQueue) SetProgress(ctx context.Context, id string, num int, total int, message string) error {
	return q.update(ctx, id,
		fieldNum, num,
		fieldTotal, total,
		fieldMessage, message,
	)
}

func (q *RedisQueue) Complete(ctx context.Context, job *Status, result []byte) error {
	return q.finish(ctx, job, Completed,
		fieldResult, string(result),
	)
}

func (q *RedisQueue) Fail(ctx context.Context, job *Status, message string) error {
	return q.finish(ctx, job, Failed,
		fieldMessage, message,
	)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Status, error) {
	fields, err := q.db.HGetAll(ctx, statusKey(id)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, errors.WithStack(&perferrors.ErrNotFound{Type: "job", Value: id})
	}
	return decodeStatus(id, fields)
}

// Requeue moves every job left in workerId's processing list back onto the queue, for example after the worker
// crashed while running them. It returns the number of jobs requeued.
func (q *RedisQueue) Requeue(ctx context.Context, queue string, workerId string) (int, error) {
	requeued := 0
	for {
		id, err := q.db.RPopLPush(ctx, processingKey(queue, workerId), queueKey(queue)).Result()
		if err == redis.Nil {
			return requeued, nil
		}
		if err != nil {
			return requeued, errors.WithStack(err)
		}
		expired, err := q.dropIfExpired(ctx, queueKey(queue), id)
		if err != nil {
			return requeued, err
		}
		if expired {
			continue
		}
		if err := q.update(ctx, id, fieldState, string(Queued), fieldWorker, ""); err != nil {
			return requeued, err
		}
		requeued++
	}
}

func (q *RedisQueue) finish(ctx context.Context, job *Status, state State, values ...interface{}) error {
	values = append(values,
		fieldState, string(state),
		fieldUpdatedAt, q.timestamp(),
	)
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(job.Id), values...)
		pipe.Expire(ctx, statusKey(job.Id), q.retention)
		pipe.LRem(ctx, processingKey(job.Queue, job.Worker), 1, job.Id)
		return nil
	})
	return errors.WithStack(err)
}

// dropIfExpired removes id from list if its status hash no longer exists. Writing to the missing hash would
// leave a status without a queue or payload, which could never be finished.
func (q *RedisQueue) dropIfExpired(ctx context.Context, list string, id string) (bool, error) {
	exists, err := q.db.Exists(ctx, statusKey(id)).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if exists > 0 {
		return false, nil
	}
	log.Warnf("Dropping job %s from %s: its status expired", id, list)
	if err := q.db.LRem(ctx, list, 1, id).Err(); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (q *RedisQueue) update(ctx context.Context, id string, values ...interface{}) error {
	values = append(values, fieldUpdatedAt, q.timestamp())
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(id), values...)
		pipe.Expire(ctx, statusKey(id), q.retention)
		return nil
	})
	return errors.WithStack(err)
}

func (q *RedisQueue) timestamp() string {
	return q.now().UTC().Format(time.RFC3339Nano)
}

func decodeStatus(id string, fields map[string]string) (*Status, error) {
	status := &Status{
		Id:      id,
		Queue:   fields[fieldQueue],
		State:   State(fields[fieldState]),
		Message: fields[fieldMessage],
		Worker:  fields[fieldWorker],
	}
	if payload, ok := fields[fieldPayload]; ok {
		status.Payload = []byte(payload)
	}
	if result, ok := fields[fieldResult]; ok {
		status.Result = []byte(result)
	}
	var err error
	if status.Num, err = atoiOrZero(fields[fieldNum]); err != nil {
		return nil, errors.Wrapf(err, "decoding progress of job %s", id)
	}
	if status.Total, err = atoiOrZero(fields[fieldTotal]); err != nil {
		return nil, errors.Wrapf(err, "decoding progress of job %s", id)
	}
	if updatedAt := fields[fieldUpdatedAt]; updatedAt != "" {
		status.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding update time of job %s", id)
		}
	}
	return status, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func queueKey(queue string) string {
	return queuePrefix + queue
}

func processingKey(queue string, workerId string) string {
	return queuePrefix + queue + processingInfix + workerId
}

func statusKey(id string) string {
	return statusPrefix + id
}
