// Package container builds the image of a build and runs it so that it can be load tested.
package container

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/perferrors"
)

// PublishAddress is the host address containers are published on.
const PublishAddress = "0.0.0.0"

type Image struct {
	Id  string
	Tag string
}

// Handle refers to a running container. It must be passed to Terminate once the container is no longer needed.
type Handle struct {
	Id       string
	HostPort int
}

type Engine interface {
	BuildImage(ctx context.Context, contextDir string, tag string) (Image, error)
	RunContainer(ctx context.Context, image Image, hostPort int, containerPort int) (Handle, error)
	Terminate(ctx context.Context, handle Handle) error
	Ping(ctx context.Context) error
}

// dockerApi is the part of the docker client the engine uses.
type dockerApi interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID string, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

type DockerEngine struct {
	api            dockerApi
	killAttempts   uint
	killRetryDelay time.Duration
}

// NewDockerEngine connects to the docker daemon at url, e.g. unix:///var/run/docker.sock.
func NewDockerEngine(url string, killAttempts uint, killRetryDelay time.Duration) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(url), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrapf(err, "creating docker client for %s", url)
	}
	return newDockerEngine(cli, killAttempts, killRetryDelay), nil
}

func newDockerEngine(api dockerApi, killAttempts uint, killRetryDelay time.Duration) *DockerEngine {
	if killAttempts == 0 {
		killAttempts = 1
	}
	return &DockerEngine{
		api:            api,
		killAttempts:   killAttempts,
		killRetryDelay: killRetryDelay,
	}
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.api.Ping(ctx)
	return errors.WithStack(err)
}

func (e *DockerEngine) Close() error {
	return errors.WithStack(e.api.Close())
}

// BuildImage builds contextDir/Dockerfile and tags the result with tag.
// The build output is logged at debug level; a failing step is reported as ErrBuildFailure.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir string, tag string) (Image, error) {
	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return Image{}, buildFailure(contextDir, "", err)
	}
	defer buildContext.Close()

	response, err := e.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return Image{}, buildFailure(contextDir, "", err)
	}
	defer response.Body.Close()

	output := log.WithField("image", tag).WriterLevel(log.DebugLevel)
	defer output.Close()

	image := Image{Tag: tag}
	err = jsonmessage.DisplayJSONMessagesStream(response.Body, output, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		result := types.BuildResult{}
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			image.Id = result.ID
		}
	})
	if err != nil {
		var streamErr *jsonmessage.JSONError
		if errors.As(err, &streamErr) {
			return Image{}, buildFailure(contextDir, streamErr.Message, nil)
		}
		return Image{}, buildFailure(contextDir, "", err)
	}
	if image.Id == "" {
		image.Id = tag
	}
	return image, nil
}

// RunContainer starts image detached, publishing containerPort on PublishAddress:hostPort.
func (e *DockerEngine) RunContainer(ctx context.Context, image Image, hostPort int, containerPort int) (Handle, error) {
	config, hostConfig, err := containerConfig(image, hostPort, containerPort)
	if err != nil {
		return Handle{}, launchFailure(image, hostPort, err)
	}
	created, err := e.api.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return Handle{}, launchFailure(image, hostPort, err)
	}
	for _, warning := range created.Warnings {
		log.WithField("container", created.ID).Warn(warning)
	}
	handle := Handle{Id: created.ID, HostPort: hostPort}
	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		e.remove(ctx, handle)
		return Handle{}, launchFailure(image, hostPort, err)
	}
	return handle, nil
}

// Terminate kills and removes the container. A container that is already gone is not an error.
func (e *DockerEngine) Terminate(ctx context.Context, handle Handle) error {
	logger := log.WithField("container", handle.Id)
	err := retry.Do(
		func() error {
			err := e.api.ContainerKill(ctx, handle.Id, "SIGKILL")
			if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
				// Conflict means the container isn't running any more.
				return nil
			}
			return err
		},
		retry.Attempts(e.killAttempts),
		retry.Delay(e.killRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("attempt %d to kill container failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "killing container %s", handle.Id)
	}
	e.remove(ctx, handle)
	return nil
}

func (e *DockerEngine) remove(ctx context.Context, handle Handle) {
	err := e.api.ContainerRemove(ctx, handle.Id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		log.WithField("container", handle.Id).Warnf("failed to remove container: %v", err)
	}
}

func containerConfig(image Image, hostPort int, containerPort int) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	config := &container.Config{
		Image:        image.Id,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: PublishAddress, HostPort: strconv.Itoa(hostPort)}},
		},
	}
	return config, hostConfig, nil
}

func buildFailure(contextDir string, diagnostic string, cause error) error {
	return errors.WithStack(&perferrors.ErrBuildFailure{ContextDir: contextDir, Diagnostic: diagnostic, Cause: cause})
}

func launchFailure(image Image, hostPort int, cause error) error {
	return errors.WithStack(&perferrors.ErrLaunchFailure{Image: image.Tag, HostPort: hostPort, Cause: cause})
}
