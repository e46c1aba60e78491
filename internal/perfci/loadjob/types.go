// Package loadjob defines the jobs that put synthetic load on a container under test, a client to submit and watch
// them through the Redis job queue, and the worker that runs them.
package loadjob

import (
	"context"
)

// LoadJob asks a load worker to hit every endpoint at http://Host:Port and report one mean latency per endpoint.
type LoadJob struct {
	Endpoints []string `json:"endpoints"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
}

// JobHandle identifies a submitted load job. It is the only way to look up the job's status.
type JobHandle struct {
	Id string
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type JobStatus struct {
	State JobState
	// Latency holds one mean latency in seconds per endpoint, in the order of LoadJob.Endpoints.
	// Only set once the job has completed.
	Latency []float64
	Message string
}

type Client interface {
	Submit(ctx context.Context, job LoadJob) (JobHandle, error)
	Status(ctx context.Context, handle JobHandle) (JobStatus, error)
}

// result is what a worker stores as the result of a completed job.
type result struct {
	Latency []float64 `json:"latency"`
}
