// Package repository stores builds together with the endpoints they declare and the benchmarks measured for them.
package repository

import (
	"context"

	"github.com/perfci/perfci/internal/perfci/domain"
)

// BuildRepository is mutated by a single pipeline per build, so implementations only need to be safe for use by
// several builds at once.
type BuildRepository interface {
	// CreateBuild stores a new build in the pending status. An empty id is replaced by a generated one.
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuild(ctx context.Context, id string) (*domain.Build, error)
	// ResetBuild drops the endpoints, benchmarks and error of a build so that it can be run again.
	ResetBuild(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.BuildStatus, percent int) error
	MarkBuildError(ctx context.Context, id string, message string) error
	AddEndpoint(ctx context.Context, id string, endpoint domain.Endpoint) error
	// EndpointBenchmark appends the benchmark of the next endpoint, in endpoint order.
	EndpointBenchmark(ctx context.Context, id string, benchmark domain.Benchmark) error
	MarkBuildFinished(ctx context.Context, id string) error
}
