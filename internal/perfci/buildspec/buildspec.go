// Package buildspec reads the files a repository has to provide to be performance tested: a Dockerfile and a
// .perfci.yaml declaring the endpoints to load.
//
// A minimal .perfci.yaml looks like
//
//	endpoints:
//	  - uri: /
//	  - uri: /search?q=go
//	    max_response_time: 0.05
//	    target_response_time: 0.005
//
// Thresholds are in seconds and default to DefaultMaxResponseTime and DefaultTargetResponseTime.
package buildspec

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/domain"
)

const (
	Dockerfile = "Dockerfile"
	SpecFile   = ".perfci.yaml"
)

// RequiredFiles are checked in order, so a workspace missing both reports the Dockerfile.
var RequiredFiles = []string{Dockerfile, SpecFile}

type specFile struct {
	Endpoints []endpointEntry `yaml:"endpoints"`
}

type endpointEntry struct {
	Uri                string   `yaml:"uri"`
	MaxResponseTime    *float64 `yaml:"max_response_time"`
	TargetResponseTime *float64 `yaml:"target_response_time"`
}

type Reader struct {
	fs afero.Fs
}

func NewReader(fs afero.Fs) *Reader {
	return &Reader{fs: fs}
}

// CheckArtifacts returns ErrMissingArtifact naming the first required file absent from workspacePath.
func (r *Reader) CheckArtifacts(workspacePath string) error {
	for _, file := range RequiredFiles {
		exists, err := afero.Exists(r.fs, filepath.Join(workspacePath, file))
		if err != nil {
			return errors.Wrapf(err, "checking for %s", file)
		}
		if !exists {
			return errors.WithStack(&perferrors.ErrMissingArtifact{File: file})
		}
	}
	return nil
}

// Read checks that workspacePath holds the required files and returns the endpoints declared by its spec file,
// in declaration order. A spec without endpoints yields an empty slice.
func (r *Reader) Read(workspacePath string) ([]domain.Endpoint, error) {
	if err := r.CheckArtifacts(workspacePath); err != nil {
		return nil, err
	}
	contents, err := afero.ReadFile(r.fs, filepath.Join(workspacePath, SpecFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", SpecFile)
	}
	return Parse(contents)
}

// Parse decodes the contents of a spec file.
func Parse(contents []byte) ([]domain.Endpoint, error) {
	spec := specFile{}
	if err := yaml.Unmarshal(contents, &spec); err != nil {
		return nil, errors.WithStack(&perferrors.ErrMalformedSpec{File: SpecFile, Cause: err})
	}

	endpoints := make([]domain.Endpoint, 0, len(spec.Endpoints))
	for i, entry := range spec.Endpoints {
		if entry.Uri == "" {
			return nil, malformed("endpoint %d has no uri", i)
		}
		maxResponseTime, err := threshold(entry.MaxResponseTime, domain.DefaultMaxResponseTime)
		if err != nil {
			return nil, malformed("max_response_time of %s %s", entry.Uri, err)
		}
		targetResponseTime, err := threshold(entry.TargetResponseTime, domain.DefaultTargetResponseTime)
		if err != nil {
			return nil, malformed("target_response_time of %s %s", entry.Uri, err)
		}
		endpoints = append(endpoints, domain.Endpoint{
			Uri:                entry.Uri,
			MaxResponseTime:    maxResponseTime,
			TargetResponseTime: targetResponseTime,
		})
	}
	return endpoints, nil
}

func threshold(seconds *float64, def time.Duration) (time.Duration, error) {
	if seconds == nil {
		return def, nil
	}
	d := time.Duration(*seconds * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %v", *seconds)
	}
	return d, nil
}

func malformed(format string, args ...interface{}) error {
	return errors.WithStack(&perferrors.ErrMalformedSpec{File: SpecFile, Message: fmt.Sprintf(format, args...)})
}
