package configuration

import (
	"time"

	"github.com/perfci/perfci/internal/common/config"
)

const (
	DefaultFanout        = 6
	DefaultContainerPort = 4567
)

type PerfCIConfiguration struct {
	MetricsPort uint16
	// Hostname under which load workers reach containers published by this host.
	Host string `validate:"required"`
	// Host port containers are published on. Zero picks a free port from ExportPortRange for every build.
	ExportPort      int `validate:"gte=0,lte=65535"`
	ExportPortRange config.PortRange
	Docker          DockerConfiguration
	Workspace       WorkspaceConfiguration
	Pipeline        PipelineConfiguration
	Queue           QueueConfiguration
	LoadWorker      LoadWorkerConfiguration
	// Either "postgres" or "memory".
	Repository string `validate:"oneof=postgres memory"`
	Redis      config.RedisConfig
	Postgres   config.PostgresConfig
}

type DockerConfiguration struct {
	// Address of the docker daemon, e.g. unix:///var/run/docker.sock
	Url string `validate:"required"`
	// Prefix of the tag given to images built for a build.
	ImagePrefix    string
	KillAttempts   uint
	KillRetryDelay time.Duration
}

type WorkspaceConfiguration struct {
	// Directory builds are checked out under. Defaults to the system temp directory.
	Root string
	// If set, builds copy this directory instead of cloning the build's repository.
	LocalWorkspace string
}

type PipelineConfiguration struct {
	// Number of load jobs dispatched per build.
	Fanout int `validate:"gt=0"`
	// Port the service listens on inside the container.
	ContainerPort int `validate:"gt=0,lte=65535"`
	// How often each load job's status is sampled while waiting for it.
	PollInterval time.Duration `validate:"gt=0"`
	// Maximum time to wait for all load jobs. Zero waits forever.
	LoadTimeout time.Duration
	// Maximum duration of a whole pipeline run. Zero means no limit.
	Timeout time.Duration
	// Time allowed for teardown once a run has been cancelled.
	CleanupTimeout time.Duration
	// Leave the workspace of failed builds on disk for debugging.
	KeepWorkspaceOnError bool
}

type QueueConfiguration struct {
	PipelineQueue string `validate:"required"`
	LoadQueue     string `validate:"required"`
	// Identifies this worker's processing list. Defaults to the hostname.
	WorkerId     string
	PollInterval time.Duration `validate:"gt=0"`
	// How long job statuses are kept after their last update.
	Retention time.Duration
}

type LoadWorkerConfiguration struct {
	// Requests per second sent to each endpoint.
	Rate int `validate:"gt=0"`
	// How long each endpoint is attacked for.
	Duration       time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration
	// Number of load jobs a single worker process runs in parallel.
	Concurrency int `validate:"gt=0"`
}
