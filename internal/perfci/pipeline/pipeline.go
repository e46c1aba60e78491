// Package pipeline runs the performance test of a single build: it checks out the source, builds and starts its
// container, loads it through a batch of load jobs and stores the aggregated latencies.
//
// Whatever the outcome, a run terminates the container it started and removes the workspace it created, unless
// configured to keep the workspace of failed builds for debugging.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/perfci/perfci/internal/common/logging"
	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/aggregate"
	"github.com/perfci/perfci/internal/perfci/container"
	"github.com/perfci/perfci/internal/perfci/domain"
	"github.com/perfci/perfci/internal/perfci/loadjob"
	"github.com/perfci/perfci/internal/perfci/metrics"
	"github.com/perfci/perfci/internal/perfci/progress"
	"github.com/perfci/perfci/internal/perfci/repository"
	"github.com/perfci/perfci/internal/perfci/source"
)

const defaultCleanupTimeout = time.Minute

type Config struct {
	// Host load workers use to reach the container.
	Host string
	// Port the service listens on inside the container.
	ContainerPort int
	// Images are tagged <ImagePrefix>/<build id>.
	ImagePrefix          string
	KeepWorkspaceOnError bool
	// Zero means no limit.
	Timeout        time.Duration
	CleanupTimeout time.Duration
}

type Workspaces interface {
	Prepare(buildId string) (string, error)
	Teardown(buildId string) error
	Path(buildId string) string
	SourcePath(buildId string, name string) (string, error)
}

type SpecReader interface {
	Read(workspacePath string) ([]domain.Endpoint, error)
}

type PortAllocator interface {
	Reserve() (int, error)
	Release(port int)
}

type LoadDispatcher interface {
	Fanout() int
	Dispatch(ctx context.Context, endpoints []domain.Endpoint, host string, port int) ([]loadjob.JobHandle, error)
	Await(ctx context.Context, handles []loadjob.JobHandle) ([][]float64, error)
}

type Pipeline struct {
	config     Config
	builds     repository.BuildRepository
	workspaces Workspaces
	source     source.Provider
	specs      SpecReader
	engine     container.Engine
	ports      PortAllocator
	dispatcher LoadDispatcher
	metrics    *metrics.Metrics
}

func New(
	config Config,
	builds repository.BuildRepository,
	workspaces Workspaces,
	source source.Provider,
	specs SpecReader,
	engine container.Engine,
	ports PortAllocator,
	dispatcher LoadDispatcher,
	metrics *metrics.Metrics,
) *Pipeline {
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = defaultCleanupTimeout
	}
	return &Pipeline{
		config:     config,
		builds:     builds,
		workspaces: workspaces,
		source:     source,
		specs:      specs,
		engine:     engine,
		ports:      ports,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// Run performance tests buildId, reporting each checkpoint reached to reporter.
//
// On failure the build is marked as errored with a description of the cause, the container and workspace are
// cleaned up, and the error that stopped the run is returned. Nothing is retried.
func (p *Pipeline) Run(ctx context.Context, buildId string, reporter progress.Reporter) error {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	r := &run{
		Pipeline: p,
		buildId:  buildId,
		reporter: reporter,
		logger:   log.WithField("buildId", buildId),
		state:    Initializing,
		entered:  time.Now(),
	}
	start := time.Now()
	err := r.execute(ctx)
	p.metrics.RecordPipelineRun(err, time.Since(start))
	return err
}

// run holds the state of a single execution of the pipeline.
type run struct {
	*Pipeline
	buildId  string
	reporter progress.Reporter
	logger   *log.Entry

	state   State
	entered time.Time

	workspaceCreated bool
	port             int
	container        *container.Handle
}

func (r *run) execute(ctx context.Context) error {
	build, err := r.builds.GetBuild(ctx, r.buildId)
	if err != nil {
		return errors.WithMessagef(err, "loading build %s", r.buildId)
	}

	r.enter(CleaningWorkspace)
	r.checkpoint(ctx, 0, MessageCleaningUpWorkspace)
	if err := r.builds.ResetBuild(ctx, r.buildId); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.builds.UpdateStatus(ctx, r.buildId, domain.BuildStatusPending, PercentPending); err != nil {
		return r.fail(ctx, err)
	}
	if _, err := r.workspaces.Prepare(r.buildId); err != nil {
		return r.fail(ctx, err)
	}
	r.workspaceCreated = true

	r.enter(FetchingSource)
	sourceDir, err := r.workspaces.SourcePath(r.buildId, r.source.DirName(build.RepositoryFullName))
	if err != nil {
		return r.fail(ctx, err)
	}
	r.checkpoint(ctx, 1, r.source.Describe(sourceDir))
	if err := r.source.Fetch(ctx, build.Url, sourceDir); err != nil {
		return r.fail(ctx, err)
	}

	r.enter(ValidatingSpec)
	endpoints, err := r.specs.Read(sourceDir)
	if err != nil {
		return r.fail(ctx, err)
	}
	for _, endpoint := range endpoints {
		if err := r.builds.AddEndpoint(ctx, r.buildId, endpoint); err != nil {
			return r.fail(ctx, err)
		}
	}

	r.enter(BuildingImage)
	r.checkpoint(ctx, 2, MessageBuildingContainer)
	if err := r.builds.UpdateStatus(ctx, r.buildId, domain.BuildStatusBuildingContainer, PercentBuilding); err != nil {
		return r.fail(ctx, err)
	}
	image, err := r.engine.BuildImage(ctx, sourceDir, r.imageTag())
	if err != nil {
		return r.fail(ctx, err)
	}

	r.enter(RunningContainer)
	r.checkpoint(ctx, 3, MessageRunningContainer)
	port, err := r.ports.Reserve()
	if err != nil {
		return r.fail(ctx, err)
	}
	r.port = port
	handle, err := r.engine.RunContainer(ctx, image, port, r.config.ContainerPort)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.container = &handle
	r.logger.Infof("started container %s on port %d", handle.Id, port)

	r.enter(DispatchingLoad)
	r.checkpoint(ctx, 4, MessageSignalingWorkers)
	if err := r.builds.UpdateStatus(ctx, r.buildId, domain.BuildStatusAttackingContainer, PercentAttacking); err != nil {
		return r.fail(ctx, err)
	}
	jobs, err := r.dispatcher.Dispatch(ctx, endpoints, r.config.Host, port)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.enter(CollectingResults)
	r.checkpoint(ctx, 5, MessageCollectingData)
	vectors, err := r.dispatcher.Await(ctx, jobs)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.enter(StoringBenchmarks)
	r.checkpoint(ctx, 6, MessageStoringStats)
	benchmarks, err := aggregate.Aggregate(endpoints, vectors, r.dispatcher.Fanout())
	if err != nil {
		return r.fail(ctx, err)
	}
	for _, benchmark := range benchmarks {
		if err := r.builds.EndpointBenchmark(ctx, r.buildId, benchmark); err != nil {
			return r.fail(ctx, err)
		}
	}

	r.enter(KillingContainer)
	r.checkpoint(ctx, 7, MessageKillingContainer)
	r.terminateContainer(ctx)

	r.enter(CleaningUp)
	r.checkpoint(ctx, 8, MessageCleaningWorkspace)
	if err := r.workspaces.Teardown(r.buildId); err != nil {
		return r.fail(ctx, err)
	}
	r.workspaceCreated = false
	if err := r.builds.MarkBuildFinished(ctx, r.buildId); err != nil {
		return r.fail(ctx, err)
	}

	r.enter(Finished)
	r.logger.Infof("performance tested %d endpoints", len(benchmarks))
	return nil
}

// fail marks the build as errored, releases whatever the run holds and returns err.
// Failures while doing so are logged and never replace err.
func (r *run) fail(ctx context.Context, err error) error {
	failedIn := r.state
	r.enter(Error)
	logging.WithStacktrace(r.logger.WithField("failedIn", failedIn.String()), err).Error("pipeline failed")

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), r.config.CleanupTimeout)
		defer cancel()
	}

	if markErr := r.builds.MarkBuildError(ctx, r.buildId, errorMessage(err)); markErr != nil {
		logging.WithStacktrace(r.logger, markErr).Error("failed to mark build as errored")
	}
	r.terminateContainer(ctx)
	if r.workspaceCreated {
		if r.config.KeepWorkspaceOnError {
			r.logger.Infof("keeping workspace %s", r.workspaces.Path(r.buildId))
		} else if teardownErr := r.workspaces.Teardown(r.buildId); teardownErr != nil {
			logging.WithStacktrace(r.logger, teardownErr).Warn("failed to remove workspace")
		}
	}
	return err
}

// terminateContainer kills the container if one was started and gives its port back.
func (r *run) terminateContainer(ctx context.Context) {
	if r.container != nil {
		if err := r.engine.Terminate(ctx, *r.container); err != nil {
			logging.WithStacktrace(r.logger, err).Warnf("failed to kill container %s", r.container.Id)
		}
		r.container = nil
	}
	if r.port != 0 {
		r.ports.Release(r.port)
		r.port = 0
	}
}

func (r *run) enter(state State) {
	now := time.Now()
	if r.state != Initializing {
		r.metrics.ObserveStage(r.state.String(), now.Sub(r.entered))
	}
	r.state = state
	r.entered = now
	r.logger.WithField("stage", state.String()).Debug("entering stage")
}

func (r *run) checkpoint(ctx context.Context, index int, message string) {
	if err := r.reporter.Report(ctx, index, TotalCheckpoints, message); err != nil {
		r.logger.Warnf("failed to report progress %q: %v", message, err)
	}
}

func (r *run) imageTag() string {
	tag := strings.ToLower(r.buildId)
	if r.config.ImagePrefix != "" {
		tag = r.config.ImagePrefix + "/" + tag
	}
	return tag
}

// errorMessage is what users see as the cause of a failed build. Failures of the container engine come with the
// stack they were raised from, since their diagnostic alone is often not enough to tell what went wrong.
func errorMessage(err error) string {
	var buildFailure *perferrors.ErrBuildFailure
	var launchFailure *perferrors.ErrLaunchFailure
	if errors.As(err, &buildFailure) || errors.As(err, &launchFailure) {
		if stack := logging.ExtractStack(err); stack != nil {
			return fmt.Sprintf("%s\n%+v", err, stack)
		}
	}
	var missing *perferrors.ErrMissingArtifact
	if errors.As(err, &missing) {
		return missing.Error()
	}
	return err.Error()
}
