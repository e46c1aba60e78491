// Package perferrors contains the errors returned by the stages of a performance test pipeline, together with a
// couple of generic errors used by the repositories.
//
// Every pipeline error is terminal: the pipeline marks the build as errored and returns it to the caller, which owns
// any retry policy. Callers should match them with errors.As, since they are usually wrapped with
// github.com/pkg/errors to carry a stack trace.
package perferrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is a generic error to be returned whenever some resource to be created already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "fanout"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrMissingArtifact is returned when a file the pipeline requires is not present in the workspace.
// The message names the file and nothing else, since it is shown to users as the build's error.
type ErrMissingArtifact struct {
	File string
}

func (err *ErrMissingArtifact) Error() string {
	return fmt.Sprintf("%s does not exist", err.File)
}

// ErrMalformedSpec is returned when the test spec file can't be parsed or declares invalid endpoints.
type ErrMalformedSpec struct {
	File    string
	Message string
	Cause   error
}

func (err *ErrMalformedSpec) Error() string {
	s := fmt.Sprintf("%s is malformed", err.File)
	if err.Message != "" {
		s += fmt.Sprintf("; %s", err.Message)
	}
	if err.Cause != nil {
		s += fmt.Sprintf(": %s", err.Cause)
	}
	return s
}

func (err *ErrMalformedSpec) Unwrap() error {
	return err.Cause
}

// ErrBuildFailure is returned when the container engine fails to build an image.
// Diagnostic carries the engine's own message, which is often multi-line build output.
type ErrBuildFailure struct {
	ContextDir string
	Diagnostic string
	Cause      error
}

func (err *ErrBuildFailure) Error() string {
	s := fmt.Sprintf("failed to build image from %s", err.ContextDir)
	if err.Diagnostic != "" {
		s += fmt.Sprintf(": %s", err.Diagnostic)
	}
	if err.Cause != nil {
		s += fmt.Sprintf(": %s", err.Cause)
	}
	return s
}

func (err *ErrBuildFailure) Unwrap() error {
	return err.Cause
}

// ErrLaunchFailure is returned when a container can't be created or started.
type ErrLaunchFailure struct {
	Image    string
	HostPort int
	Cause    error
}

func (err *ErrLaunchFailure) Error() string {
	return fmt.Sprintf("failed to launch container from image %s on host port %d: %s", err.Image, err.HostPort, err.Cause)
}

func (err *ErrLaunchFailure) Unwrap() error {
	return err.Cause
}

// ErrLoadJobFailure is returned when a load job reaches the failed state, or doesn't reach a terminal state before
// the load deadline. A single failed job invalidates the whole batch.
type ErrLoadJobFailure struct {
	JobId   string
	Message string
}

func (err *ErrLoadJobFailure) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("load job %s failed", err.JobId)
	}
	return fmt.Sprintf("load job %s failed; %s", err.JobId, err.Message)
}

// ErrAggregationShape indicates that the latency vectors handed to the aggregator don't match the declared endpoints.
// It always means corrupted upstream data.
type ErrAggregationShape struct {
	Expected int
	Actual   int
	Message  string
}

func (err *ErrAggregationShape) Error() string {
	return fmt.Sprintf("aggregation shape mismatch: expected %d, got %d; %s", err.Expected, err.Actual, err.Message)
}

// Reason returns a short machine readable description of the pipeline error in err's chain,
// suitable for use as a metric label. Errors not produced by the pipeline are reported as "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	{
		var e *ErrMissingArtifact
		if errors.As(err, &e) {
			return "missing_artifact"
		}
	}
	{
		var e *ErrMalformedSpec
		if errors.As(err, &e) {
			return "malformed_spec"
		}
	}
	{
		var e *ErrBuildFailure
		if errors.As(err, &e) {
			return "build_failure"
		}
	}
	{
		var e *ErrLaunchFailure
		if errors.As(err, &e) {
			return "launch_failure"
		}
	}
	{
		var e *ErrLoadJobFailure
		if errors.As(err, &e) {
			return "load_job_failure"
		}
	}
	{
		var e *ErrAggregationShape
		if errors.As(err, &e) {
			return "aggregation_shape"
		}
	}
	return "internal"
}
