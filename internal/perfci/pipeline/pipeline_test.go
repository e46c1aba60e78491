package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/buildspec"
	"github.com/perfci/perfci/internal/perfci/container"
	"github.com/perfci/perfci/internal/perfci/dispatch"
	"github.com/perfci/perfci/internal/perfci/domain"
	"github.com/perfci/perfci/internal/perfci/loadjob"
	"github.com/perfci/perfci/internal/perfci/metrics"
	"github.com/perfci/perfci/internal/perfci/progress/progresstest"
	"github.com/perfci/perfci/internal/perfci/repository"
	"github.com/perfci/perfci/internal/perfci/workspace"
)

const (
	root     = "/var/perfci"
	hostPort = 8123
	specB1   = `
endpoints:
  - uri: /a
  - uri: /b
    max_response_time: 0.5
`
)

type fakeSource struct {
	fs    afero.Fs
	files map[string]string
	err   error
}

func (s *fakeSource) DirName(repository string) string { return repository }
func (s *fakeSource) Describe(string) string           { return "Cloning Repo" }

func (s *fakeSource) Fetch(_ context.Context, _ string, dest string) error {
	if s.err != nil {
		return s.err
	}
	for name, contents := range s.files {
		if err := afero.WriteFile(s.fs, filepath.Join(dest, name), []byte(contents), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fakeEngine struct {
	buildErr   error
	runErr     error
	built      []string
	started    []int
	terminated []container.Handle
	// Context error seen by each Terminate call.
	terminateErrs []error
}

func (e *fakeEngine) BuildImage(_ context.Context, contextDir string, tag string) (container.Image, error) {
	e.built = append(e.built, contextDir)
	if e.buildErr != nil {
		return container.Image{}, e.buildErr
	}
	return container.Image{Id: "sha256:" + tag, Tag: tag}, nil
}

func (e *fakeEngine) RunContainer(_ context.Context, _ container.Image, hostPort int, _ int) (container.Handle, error) {
	if e.runErr != nil {
		return container.Handle{}, e.runErr
	}
	e.started = append(e.started, hostPort)
	return container.Handle{Id: fmt.Sprintf("c%d", len(e.started)), HostPort: hostPort}, nil
}

func (e *fakeEngine) Terminate(ctx context.Context, handle container.Handle) error {
	e.terminated = append(e.terminated, handle)
	e.terminateErrs = append(e.terminateErrs, ctx.Err())
	return nil
}

func (e *fakeEngine) Ping(context.Context) error { return nil }

type fakeAllocator struct {
	reserved map[int]bool
}

func (a *fakeAllocator) Reserve() (int, error) {
	a.reserved[hostPort] = true
	return hostPort, nil
}

func (a *fakeAllocator) Release(port int) {
	delete(a.reserved, port)
}

// fakeLoadClient completes every job immediately with the latency configured for each endpoint, unless told to
// fail one of them or to leave every job pending.
type fakeLoadClient struct {
	mutex     sync.Mutex
	latencies map[string]float64
	failJob   int
	// Completed jobs report one latency fewer than they have endpoints.
	dropLatency bool
	pending     bool
	jobs        []loadjob.LoadJob
}

func (c *fakeLoadClient) Submit(_ context.Context, job loadjob.LoadJob) (loadjob.JobHandle, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.jobs = append(c.jobs, job)
	return loadjob.JobHandle{Id: fmt.Sprintf("%d", len(c.jobs))}, nil
}

func (c *fakeLoadClient) Status(_ context.Context, handle loadjob.JobHandle) (loadjob.JobStatus, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.pending {
		return loadjob.JobStatus{State: loadjob.JobPending}, nil
	}
	if handle.Id == fmt.Sprintf("%d", c.failJob) {
		return loadjob.JobStatus{State: loadjob.JobFailed, Message: "connection refused"}, nil
	}
	var index int
	_, _ = fmt.Sscanf(handle.Id, "%d", &index)
	job := c.jobs[index-1]
	latency := make([]float64, len(job.Endpoints))
	for i, uri := range job.Endpoints {
		latency[i] = c.latencies[uri]
	}
	if c.dropLatency && len(latency) > 0 {
		latency = latency[:len(latency)-1]
	}
	return loadjob.JobStatus{State: loadjob.JobCompleted, Latency: latency}, nil
}

type fixture struct {
	fs       afero.Fs
	builds   *repository.InMemoryBuildRepository
	source   *fakeSource
	engine   *fakeEngine
	ports    *fakeAllocator
	client   *fakeLoadClient
	reporter *progresstest.RecordingReporter
	config   Config
	// Bounds Await. Zero waits forever.
	loadTimeout time.Duration
	ctx         context.Context
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	fs := afero.NewMemMapFs()
	builds := repository.NewInMemoryBuildRepository()
	require.NoError(t, builds.CreateBuild(context.Background(), &domain.Build{
		Id:                 "b1",
		Url:                "https://github.com/owner/repo",
		RepositoryFullName: "owner/repo",
	}))
	return &fixture{
		fs:          fs,
		builds:      builds,
		source:      &fakeSource{fs: fs, files: files},
		engine:      &fakeEngine{},
		ports:       &fakeAllocator{reserved: map[int]bool{}},
		client:      &fakeLoadClient{latencies: map[string]float64{"/a": 100, "/b": 200}},
		reporter:    &progresstest.RecordingReporter{},
		config:      Config{Host: "perf.example.com", ContainerPort: 4567, ImagePrefix: "perfci"},
		loadTimeout: time.Minute,
		ctx:         context.Background(),
	}
}

func (f *fixture) run() error {
	p := New(
		f.config,
		f.builds,
		workspace.NewManager(f.fs, root),
		f.source,
		buildspec.NewReader(f.fs),
		f.engine,
		f.ports,
		dispatch.NewDispatcher(f.client, 6, time.Millisecond, f.loadTimeout),
		metrics.New(prometheus.NewRegistry()),
	)
	return p.Run(f.ctx, "b1", f.reporter)
}

func (f *fixture) build(t *testing.T) *domain.Build {
	build, err := f.builds.GetBuild(context.Background(), "b1")
	require.NoError(t, err)
	return build
}

func (f *fixture) assertWorkspaceRemoved(t *testing.T) {
	exists, err := afero.Exists(f.fs, filepath.Join(root, "b1"))
	require.NoError(t, err)
	assert.False(t, exists, "workspace should have been removed")
}

func validFiles(spec string) map[string]string {
	return map[string]string{buildspec.Dockerfile: "FROM scratch", buildspec.SpecFile: spec}
}

func TestRun_B1(t *testing.T) {
	f := newFixture(t, validFiles(specB1))

	require.NoError(t, f.run())

	build := f.build(t)
	assert.Equal(t, domain.BuildStatusFinished, build.Status)
	assert.Equal(t, 100, build.Percent)
	assert.Empty(t, build.ErrorMessage)
	require.Len(t, build.Benchmarks, 2)
	assert.Equal(t, "/a", build.Benchmarks[0].Endpoint.Uri)
	assert.InDelta(t, 100, build.Benchmarks[0].Latency, 1e-9)
	assert.Equal(t, "/b", build.Benchmarks[1].Endpoint.Uri)
	assert.InDelta(t, 200, build.Benchmarks[1].Latency, 1e-9)
	assert.Equal(t, 500*time.Millisecond, build.Benchmarks[1].Endpoint.MaxResponseTime)
	assert.Equal(t, domain.DefaultMaxResponseTime, build.Benchmarks[0].Endpoint.MaxResponseTime)

	assert.Equal(t, []string{filepath.Join(root, "b1", "owner", "repo")}, f.engine.built)
	assert.Equal(t, []container.Handle{{Id: "c1", HostPort: hostPort}}, f.engine.terminated)
	assert.Empty(t, f.ports.reserved)
	f.assertWorkspaceRemoved(t)

	require.Len(t, f.client.jobs, 6)
	for _, job := range f.client.jobs {
		assert.Equal(t, loadjob.LoadJob{Endpoints: []string{"/a", "/b"}, Host: "perf.example.com", Port: hostPort}, job)
	}

	assert.Equal(t, []progresstest.Checkpoint{
		{Index: 0, Total: 9, Message: "Cleaning up workspace"},
		{Index: 1, Total: 9, Message: "Cloning Repo"},
		{Index: 2, Total: 9, Message: "Building container"},
		{Index: 3, Total: 9, Message: "Running container"},
		{Index: 4, Total: 9, Message: "Signaling load workers"},
		{Index: 5, Total: 9, Message: "Collecting data"},
		{Index: 6, Total: 9, Message: "Storing stats"},
		{Index: 7, Total: 9, Message: "Killing container"},
		{Index: 8, Total: 9, Message: "Cleaning workspace"},
	}, f.reporter.Checkpoints)
}

func TestRun_NoEndpoints(t *testing.T) {
	f := newFixture(t, validFiles("endpoints: []"))

	require.NoError(t, f.run())

	build := f.build(t)
	assert.Equal(t, domain.BuildStatusFinished, build.Status)
	assert.Empty(t, build.Benchmarks)
	assert.Len(t, f.engine.terminated, 1)
	f.assertWorkspaceRemoved(t)
}

func TestRun_MissingSpecFile(t *testing.T) {
	f := newFixture(t, map[string]string{buildspec.Dockerfile: "FROM scratch"})

	err := f.run()

	var missing *perferrors.ErrMissingArtifact
	require.True(t, errors.As(err, &missing))
	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.Equal(t, ".perfci.yaml does not exist", build.ErrorMessage)
	assert.Empty(t, f.engine.built)
	assert.Empty(t, f.engine.terminated)
	f.assertWorkspaceRemoved(t)
}

func TestRun_MissingDockerfile(t *testing.T) {
	f := newFixture(t, map[string]string{buildspec.SpecFile: specB1})

	require.Error(t, f.run())

	assert.Equal(t, "Dockerfile does not exist", f.build(t).ErrorMessage)
	assert.Empty(t, f.engine.built)
}

func TestRun_FailedLoadJob(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.client.failJob = 3

	err := f.run()

	var failure *perferrors.ErrLoadJobFailure
	require.True(t, errors.As(err, &failure))
	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.Contains(t, build.ErrorMessage, "connection refused")
	assert.Empty(t, build.Benchmarks)
	assert.Equal(t, []container.Handle{{Id: "c1", HostPort: hostPort}}, f.engine.terminated)
	assert.Empty(t, f.ports.reserved)
	f.assertWorkspaceRemoved(t)
}

func TestRun_BuildFailure(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.engine.buildErr = errors.WithStack(&perferrors.ErrBuildFailure{ContextDir: "/ws", Diagnostic: "make: *** [all] Error 2"})

	err := f.run()

	var failure *perferrors.ErrBuildFailure
	require.True(t, errors.As(err, &failure))
	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.Contains(t, build.ErrorMessage, "make: *** [all] Error 2")
	assert.Contains(t, build.ErrorMessage, "pipeline_test.go")
	assert.Empty(t, f.engine.started)
	assert.Empty(t, f.engine.terminated)
	f.assertWorkspaceRemoved(t)
}

func TestRun_LaunchFailure(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.engine.runErr = errors.WithStack(&perferrors.ErrLaunchFailure{Image: "perfci/b1", HostPort: hostPort, Cause: errors.New("port is already allocated")})

	err := f.run()

	var failure *perferrors.ErrLaunchFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, domain.BuildStatusError, f.build(t).Status)
	assert.Empty(t, f.ports.reserved)
	assert.Empty(t, f.client.jobs)
	f.assertWorkspaceRemoved(t)
}

func TestRun_FetchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.source.err = errors.New("repository not found")

	require.Error(t, f.run())

	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.Equal(t, "repository not found", build.ErrorMessage)
	f.assertWorkspaceRemoved(t)
}

func TestRun_KeepWorkspaceOnError(t *testing.T) {
	f := newFixture(t, map[string]string{buildspec.Dockerfile: "FROM scratch"})
	f.config.KeepWorkspaceOnError = true

	require.Error(t, f.run())

	exists, err := afero.Exists(f.fs, filepath.Join(root, "b1", "owner", "repo", buildspec.Dockerfile))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRun_MalformedSpec(t *testing.T) {
	f := newFixture(t, validFiles("endpoints: ["))

	err := f.run()

	var malformed *perferrors.ErrMalformedSpec
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, domain.BuildStatusError, f.build(t).Status)
	assert.Empty(t, f.engine.built)
}

func TestRun_AggregationShapeError(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.client.dropLatency = true

	err := f.run()

	var shape *perferrors.ErrAggregationShape
	require.True(t, errors.As(err, &shape))
	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.NotEmpty(t, build.ErrorMessage)
	assert.Empty(t, build.Benchmarks)
	assert.Equal(t, []container.Handle{{Id: "c1", HostPort: hostPort}}, f.engine.terminated)
	assert.Empty(t, f.ports.reserved)
	f.assertWorkspaceRemoved(t)
}

func TestRun_TimeoutWhileAwaiting(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.client.pending = true
	f.loadTimeout = 0
	f.config.Timeout = 50 * time.Millisecond

	err := f.run()

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	build := f.build(t)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	assert.Empty(t, build.Benchmarks)
	require.Len(t, f.engine.terminated, 1)
	assert.NoError(t, f.engine.terminateErrs[0], "container must be killed with a live context")
	assert.Empty(t, f.ports.reserved)
	f.assertWorkspaceRemoved(t)
}

func TestRun_CancelledWhileAwaiting(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	f.client.pending = true
	f.loadTimeout = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ctx = ctx
	time.AfterFunc(50*time.Millisecond, cancel)

	err := f.run()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BuildStatusError, f.build(t).Status)
	require.Len(t, f.engine.terminated, 1)
	assert.NoError(t, f.engine.terminateErrs[0], "container must be killed with a live context")
	f.assertWorkspaceRemoved(t)
}

func TestRun_RepositoryNameOutsideWorkspace(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	require.NoError(t, f.builds.CreateBuild(context.Background(), &domain.Build{
		Id:                 "b2",
		Url:                "https://github.com/owner/repo",
		RepositoryFullName: "../../x",
	}))
	p := New(f.config, f.builds, workspace.NewManager(f.fs, root), f.source, buildspec.NewReader(f.fs), f.engine,
		f.ports, dispatch.NewDispatcher(f.client, 6, time.Millisecond, 0), metrics.New(prometheus.NewRegistry()))

	err := p.Run(context.Background(), "b2", f.reporter)

	var invalid *perferrors.ErrInvalidArgument
	require.True(t, errors.As(err, &invalid))
	build, err := f.builds.GetBuild(context.Background(), "b2")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusError, build.Status)
	for _, path := range []string{"/x", filepath.Join(root, "b2")} {
		exists, err := afero.Exists(f.fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
	assert.Empty(t, f.engine.built)
}

func TestRun_RerunReplacesResults(t *testing.T) {
	f := newFixture(t, validFiles(specB1))

	require.NoError(t, f.run())
	require.NoError(t, f.run())

	build := f.build(t)
	assert.Len(t, build.Endpoints, 2)
	assert.Len(t, build.Benchmarks, 2)
}

func TestRun_UnknownBuild(t *testing.T) {
	f := newFixture(t, validFiles(specB1))
	p := New(f.config, f.builds, workspace.NewManager(f.fs, root), f.source, buildspec.NewReader(f.fs), f.engine,
		f.ports, dispatch.NewDispatcher(f.client, 6, time.Millisecond, 0), metrics.New(prometheus.NewRegistry()))

	err := p.Run(context.Background(), "missing", f.reporter)

	var notFound *perferrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.Empty(t, f.reporter.Checkpoints)
}

func TestImageTag(t *testing.T) {
	r := &run{Pipeline: &Pipeline{config: Config{ImagePrefix: "perfci"}}, buildId: "B1"}
	assert.Equal(t, "perfci/b1", r.imageTag())
	r.config.ImagePrefix = ""
	assert.Equal(t, "b1", r.imageTag())
}
