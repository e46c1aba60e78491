package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/domain"
)

type InMemoryBuildRepository struct {
	builds map[string]*domain.Build
	now    func() time.Time
	mutex  sync.RWMutex
}

func NewInMemoryBuildRepository() *InMemoryBuildRepository {
	return &InMemoryBuildRepository{
		builds: map[string]*domain.Build{},
		now:    time.Now,
	}
}

func (r *InMemoryBuildRepository) CreateBuild(_ context.Context, build *domain.Build) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if build.Id == "" {
		build.Id = uuid.NewString()
	}
	if _, exists := r.builds[build.Id]; exists {
		return errors.WithStack(&perferrors.ErrAlreadyExists{Type: "build", Value: build.Id})
	}
	now := r.now()
	build.Status = domain.BuildStatusPending
	build.Percent = 0
	build.Created = now
	build.Updated = now
	r.builds[build.Id] = copyBuild(build)
	return nil
}

func (r *InMemoryBuildRepository) GetBuild(_ context.Context, id string) (*domain.Build, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	build, ok := r.builds[id]
	if !ok {
		return nil, errors.WithStack(&perferrors.ErrNotFound{Type: "build", Value: id})
	}
	return copyBuild(build), nil
}

func (r *InMemoryBuildRepository) ResetBuild(_ context.Context, id string) error {
	return r.update(id, func(build *domain.Build) error {
		build.Endpoints = nil
		build.Benchmarks = nil
		build.ErrorMessage = ""
		return nil
	})
}

func (r *InMemoryBuildRepository) UpdateStatus(_ context.Context, id string, status domain.BuildStatus, percent int) error {
	return r.update(id, func(build *domain.Build) error {
		build.Status = status
		build.Percent = percent
		return nil
	})
}

func (r *InMemoryBuildRepository) MarkBuildError(_ context.Context, id string, message string) error {
	return r.update(id, func(build *domain.Build) error {
		build.Status = domain.BuildStatusError
		build.ErrorMessage = message
		return nil
	})
}

func (r *InMemoryBuildRepository) AddEndpoint(_ context.Context, id string, endpoint domain.Endpoint) error {
	return r.update(id, func(build *domain.Build) error {
		build.Endpoints = append(build.Endpoints, endpoint)
		return nil
	})
}

func (r *InMemoryBuildRepository) EndpointBenchmark(_ context.Context, id string, benchmark domain.Benchmark) error {
	return r.update(id, func(build *domain.Build) error {
		if len(build.Benchmarks) >= len(build.Endpoints) {
			return errors.WithStack(&perferrors.ErrInvalidArgument{
				Name:    "benchmark",
				Value:   benchmark.Endpoint.Uri,
				Message: "every endpoint of the build already has a benchmark",
			})
		}
		build.Benchmarks = append(build.Benchmarks, copyBenchmark(benchmark))
		return nil
	})
}

func (r *InMemoryBuildRepository) MarkBuildFinished(_ context.Context, id string) error {
	return r.update(id, func(build *domain.Build) error {
		build.Status = domain.BuildStatusFinished
		build.Percent = 100
		return nil
	})
}

func (r *InMemoryBuildRepository) update(id string, mutate func(build *domain.Build) error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	build, ok := r.builds[id]
	if !ok {
		return errors.WithStack(&perferrors.ErrNotFound{Type: "build", Value: id})
	}
	if err := mutate(build); err != nil {
		return err
	}
	build.Updated = r.now()
	return nil
}

func copyBuild(build *domain.Build) *domain.Build {
	c := *build
	c.Endpoints = slices.Clone(build.Endpoints)
	c.Benchmarks = make([]domain.Benchmark, 0, len(build.Benchmarks))
	for _, benchmark := range build.Benchmarks {
		c.Benchmarks = append(c.Benchmarks, copyBenchmark(benchmark))
	}
	return &c
}

func copyBenchmark(benchmark domain.Benchmark) domain.Benchmark {
	benchmark.Details = slices.Clone(benchmark.Details)
	if benchmark.Details == nil {
		benchmark.Details = []string{}
	}
	return benchmark
}
