package domain

import (
	"time"
)

const (
	DefaultMaxResponseTime    = 10 * time.Millisecond
	DefaultTargetResponseTime = time.Millisecond
)

type BuildStatus string

const (
	BuildStatusPending            BuildStatus = "pending"
	BuildStatusBuildingContainer  BuildStatus = "building_container"
	BuildStatusAttackingContainer BuildStatus = "attacking_container"
	BuildStatusFinished           BuildStatus = "finished"
	BuildStatusError              BuildStatus = "error"
)

// Terminal reports whether a build in this status will not be touched by the pipeline again.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusFinished || s == BuildStatusError
}

// Build is one requested performance test run of a source revision.
type Build struct {
	Id string
	// Url the source is fetched from.
	Url string
	// RepositoryFullName is the owner/name of the repository, used to lay out the workspace.
	RepositoryFullName string
	Status             BuildStatus
	Percent            int
	ErrorMessage       string
	Endpoints          []Endpoint
	Benchmarks         []Benchmark
	Created            time.Time
	Updated            time.Time
}

// Endpoint is an HTTP path declared for load testing.
type Endpoint struct {
	Uri string
	// MaxResponseTime is the hard latency ceiling for the endpoint.
	MaxResponseTime time.Duration
	// TargetResponseTime is the latency the endpoint should aim for.
	TargetResponseTime time.Duration
}

// Benchmark is the aggregated result for one endpoint of one build.
type Benchmark struct {
	Endpoint Endpoint
	// Latency is the mean latency in seconds over all load jobs.
	Latency    float64
	ErrorCount int
	Details    []string
}

// Uris returns the uris of endpoints, preserving order.
func Uris(endpoints []Endpoint) []string {
	uris := make([]string, len(endpoints))
	for i, e := range endpoints {
		uris[i] = e.Uri
	}
	return uris
}
