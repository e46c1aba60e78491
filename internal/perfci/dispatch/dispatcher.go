package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/domain"
	"github.com/perfci/perfci/internal/perfci/loadjob"
)

// Dispatcher fans a build's endpoints out to a fixed number of identical load jobs and waits for all of them.
type Dispatcher struct {
	client       loadjob.Client
	fanout       int
	pollInterval time.Duration
	// Zero means wait forever.
	timeout time.Duration
}

func NewDispatcher(client loadjob.Client, fanout int, pollInterval time.Duration, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:       client,
		fanout:       fanout,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

func (d *Dispatcher) Fanout() int {
	return d.fanout
}

// Dispatch submits fanout load jobs, each covering every endpoint of the build, against host:port.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoints []domain.Endpoint, host string, port int) ([]loadjob.JobHandle, error) {
	job := loadjob.LoadJob{
		Endpoints: domain.Uris(endpoints),
		Host:      host,
		Port:      port,
	}
	handles := make([]loadjob.JobHandle, 0, d.fanout)
	for i := 0; i < d.fanout; i++ {
		handle, err := d.client.Submit(ctx, job)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	log.Debugf("dispatched %d load jobs against %s:%d", len(handles), host, port)
	return handles, nil
}

// Await blocks until every job is terminal and returns their latency vectors in the order of handles.
//
// Each job is watched by its own goroutine. The first job to fail cancels the others and is returned as
// ErrLoadJobFailure, as is the first job still running when the timeout expires. Results are never partial.
func (d *Dispatcher) Await(ctx context.Context, handles []loadjob.JobHandle) ([][]float64, error) {
	awaitCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	results := make([][]float64, len(handles))
	g, groupCtx := errgroup.WithContext(awaitCtx)
	for i, handle := range handles {
		i, handle := i, handle
		g.Go(func() error {
			latency, err := d.awaitOne(groupCtx, handle)
			if err != nil {
				return err
			}
			results[i] = latency
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil && errors.Is(awaitCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WithStack(&perferrors.ErrLoadJobFailure{
				Message: fmt.Sprintf("load jobs didn't finish within %s", d.timeout),
			})
		}
		return nil, err
	}
	return results, nil
}

func (d *Dispatcher) awaitOne(ctx context.Context, handle loadjob.JobHandle) ([]float64, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		status, err := d.client.Status(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.WithStack(ctx.Err())
			}
			return nil, errors.WithMessagef(err, "reading status of load job %s", handle.Id)
		}
		switch status.State {
		case loadjob.JobCompleted:
			return status.Latency, nil
		case loadjob.JobFailed:
			return nil, errors.WithStack(&perferrors.ErrLoadJobFailure{JobId: handle.Id, Message: status.Message})
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}
