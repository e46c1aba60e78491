package aggregate

import (
	"fmt"

	"github.com/aclements/go-moremath/stats"
	"github.com/pkg/errors"

	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/domain"
)

// Aggregate turns the latency vectors returned by load jobs into one benchmark per endpoint.
//
// vectors holds one vector per load job and vectors[j][i] is the latency job j measured for endpoints[i]. Exactly
// fanout vectors, each with one entry per endpoint, are required; anything else means the load jobs disagree with
// the endpoints declared for the build, and no benchmark is produced. The latency of endpoint i is the arithmetic
// mean of the i-th entry of every vector.
func Aggregate(endpoints []domain.Endpoint, vectors [][]float64, fanout int) ([]domain.Benchmark, error) {
	if fanout <= 0 {
		return nil, errors.WithStack(&perferrors.ErrInvalidArgument{
			Name:    "fanout",
			Value:   fanout,
			Message: "must be positive",
		})
	}
	if len(vectors) != fanout {
		return nil, errors.WithStack(&perferrors.ErrAggregationShape{
			Expected: fanout,
			Actual:   len(vectors),
			Message:  "unexpected number of load job results",
		})
	}
	for j, vector := range vectors {
		if len(vector) != len(endpoints) {
			return nil, errors.WithStack(&perferrors.ErrAggregationShape{
				Expected: len(endpoints),
				Actual:   len(vector),
				Message:  fmt.Sprintf("load job result %d doesn't have one latency per endpoint", j),
			})
		}
	}

	benchmarks := make([]domain.Benchmark, len(endpoints))
	samples := make([]float64, fanout)
	for i, endpoint := range endpoints {
		for j, vector := range vectors {
			samples[j] = vector[i]
		}
		benchmarks[i] = domain.Benchmark{
			Endpoint:   endpoint,
			Latency:    stats.Mean(samples),
			ErrorCount: 0,
			Details:    []string{},
		}
	}
	return benchmarks, nil
}
