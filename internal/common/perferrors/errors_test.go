package perferrors

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestReason(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"nil":                           {nil, ""},
		"ErrMissingArtifact":            {&ErrMissingArtifact{File: "Dockerfile"}, "missing_artifact"},
		"ErrMalformedSpec":              {&ErrMalformedSpec{File: ".perfci.yaml"}, "malformed_spec"},
		"ErrBuildFailure":               {&ErrBuildFailure{}, "build_failure"},
		"ErrLaunchFailure":              {&ErrLaunchFailure{}, "launch_failure"},
		"ErrLoadJobFailure":             {&ErrLoadJobFailure{}, "load_job_failure"},
		"ErrAggregationShape":           {&ErrAggregationShape{}, "aggregation_shape"},
		"pkg.Error => ErrBuildFailure":  {errors.WithStack(&ErrBuildFailure{}), "build_failure"},
		"fmt wrap => ErrLoadJobFailure": {fmt.Errorf("awaiting: %w", &ErrLoadJobFailure{}), "load_job_failure"},
		"context":                       {context.Canceled, "internal"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Reason(tc.err))
		})
	}
}

func TestErrMissingArtifact_NamesTheFile(t *testing.T) {
	assert.Equal(t, "Dockerfile does not exist", (&ErrMissingArtifact{File: "Dockerfile"}).Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("daemon unreachable")
	assert.ErrorIs(t, &ErrBuildFailure{Cause: cause}, cause)
	assert.ErrorIs(t, &ErrLaunchFailure{Cause: cause}, cause)
	assert.ErrorIs(t, &ErrMalformedSpec{Cause: cause}, cause)
}

func TestErrMalformedSpec_Error(t *testing.T) {
	err := &ErrMalformedSpec{File: ".perfci.yaml", Message: "endpoint 0 has no uri"}
	assert.Equal(t, ".perfci.yaml is malformed; endpoint 0 has no uri", err.Error())
}

func TestGenericErrors(t *testing.T) {
	assert.Equal(t, `resource "b1" of type "build" does not exist`, (&ErrNotFound{Type: "build", Value: "b1"}).Error())
	assert.Equal(t, `resource "b1" of type "build" already exists`, (&ErrAlreadyExists{Type: "build", Value: "b1"}).Error())
	assert.Equal(t, `resource "b1" already exists; try another id`, (&ErrAlreadyExists{Value: "b1", Message: "try another id"}).Error())
	assert.Equal(t, `value 0 is invalid for field "fanout"; must be positive`, (&ErrInvalidArgument{Name: "fanout", Value: 0, Message: "must be positive"}).Error())
}
