package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perfci/perfci/internal/common/config"
)

func TestValidatePerfCIConfiguration_Valid(t *testing.T) {
	assert.NoError(t, ValidatePerfCIConfiguration(validConfig()))
}

func TestValidatePerfCIConfiguration_FixedPortWithoutRange(t *testing.T) {
	c := validConfig()
	c.ExportPort = 8080
	c.ExportPortRange = config.PortRange{}
	assert.NoError(t, ValidatePerfCIConfiguration(c))
}

func TestValidatePerfCIConfiguration_Invalid(t *testing.T) {
	tests := map[string]func(c *PerfCIConfiguration){
		"missing host":          func(c *PerfCIConfiguration) { c.Host = "" },
		"missing docker url":    func(c *PerfCIConfiguration) { c.Docker.Url = "" },
		"zero fanout":           func(c *PerfCIConfiguration) { c.Pipeline.Fanout = 0 },
		"container port range":  func(c *PerfCIConfiguration) { c.Pipeline.ContainerPort = 70000 },
		"zero poll interval":    func(c *PerfCIConfiguration) { c.Pipeline.PollInterval = 0 },
		"no ports available":    func(c *PerfCIConfiguration) { c.ExportPortRange = config.PortRange{} },
		"unknown repository":    func(c *PerfCIConfiguration) { c.Repository = "mysql" },
		"negative load timeout": func(c *PerfCIConfiguration) { c.Pipeline.LoadTimeout = -time.Second },
		"export port too large": func(c *PerfCIConfiguration) { c.ExportPort = 65536 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.Error(t, ValidatePerfCIConfiguration(c))
		})
	}
}

func validConfig() PerfCIConfiguration {
	return PerfCIConfiguration{
		Host:            "localhost",
		ExportPortRange: config.PortRange{Min: 8000, Max: 8999},
		Docker:          DockerConfiguration{Url: "unix:///var/run/docker.sock"},
		Pipeline: PipelineConfiguration{
			Fanout:        DefaultFanout,
			ContainerPort: DefaultContainerPort,
			PollInterval:  time.Second,
		},
		Queue: QueueConfiguration{
			PipelineQueue: "perfci",
			LoadQueue:     "load",
			PollInterval:  time.Second,
		},
		LoadWorker: LoadWorkerConfiguration{
			Rate:        10,
			Duration:    5 * time.Second,
			Concurrency: 1,
		},
		Repository: "memory",
		Redis: config.RedisConfig{
			Addrs:    []string{"localhost:6379"},
			PoolSize: 10,
		},
		Postgres: config.PostgresConfig{
			Connection: map[string]string{"host": "localhost"},
		},
	}
}
