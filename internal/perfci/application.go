package perfci

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfci/perfci/internal/common"
	"github.com/perfci/perfci/internal/common/database"
	"github.com/perfci/perfci/internal/common/health"
	"github.com/perfci/perfci/internal/common/jobqueue"
	"github.com/perfci/perfci/internal/common/task"
	"github.com/perfci/perfci/internal/perfci/buildspec"
	"github.com/perfci/perfci/internal/perfci/configuration"
	"github.com/perfci/perfci/internal/perfci/container"
	"github.com/perfci/perfci/internal/perfci/dispatch"
	"github.com/perfci/perfci/internal/perfci/domain"
	"github.com/perfci/perfci/internal/perfci/loadjob"
	"github.com/perfci/perfci/internal/perfci/metrics"
	"github.com/perfci/perfci/internal/perfci/pipeline"
	"github.com/perfci/perfci/internal/perfci/ports"
	"github.com/perfci/perfci/internal/perfci/repository"
	"github.com/perfci/perfci/internal/perfci/source"
	"github.com/perfci/perfci/internal/perfci/worker"
	"github.com/perfci/perfci/internal/perfci/workspace"
)

const (
	taskMetricsPrefix = "perfci_"
	shutdownTimeout   = 5 * time.Second
)

// App holds the clients shared by every perfci command.
type App struct {
	Config   configuration.PerfCIConfiguration
	Builds   repository.BuildRepository
	Queue    *jobqueue.RedisQueue
	Metrics  *metrics.Metrics
	WorkerId string

	registry *prometheus.Registry
	redis    redis.UniversalClient
	db       *pgxpool.Pool
}

// NewApp validates config and connects to redis and, if configured, postgres.
func NewApp(ctx context.Context, config configuration.PerfCIConfiguration) (*App, error) {
	if err := configuration.ValidatePerfCIConfiguration(config); err != nil {
		return nil, err
	}

	workerId := config.Queue.WorkerId
	if workerId == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		workerId = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		Config:   config,
		Queue:    jobqueue.NewRedisQueue(redisClient, config.Queue.Retention),
		Metrics:  metrics.New(registry),
		WorkerId: workerId,
		registry: registry,
		redis:    redisClient,
	}

	switch config.Repository {
	case "memory":
		log.Warn("Using in-memory build repository, builds are lost on restart")
		app.Builds = repository.NewInMemoryBuildRepository()
	default:
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			app.Close()
			return nil, errors.Wrap(err, "failed to connect to postgres")
		}
		app.db = db
		app.Builds = repository.NewPostgresBuildRepository(db)
	}
	return app, nil
}

func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if err := a.redis.Close(); err != nil {
		log.Warnf("Failed to close redis client: %v", err)
	}
}

// Migrate brings the postgres schema up to date.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.Errorf("repository %q has no schema to migrate", a.Config.Repository)
	}
	migrations, err := repository.Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, a.db, migrations)
}

// NewPipeline assembles a pipeline that builds images on the configured docker daemon.
func (a *App) NewPipeline() (*pipeline.Pipeline, *container.DockerEngine, error) {
	config := a.Config
	engine, err := container.NewDockerEngine(config.Docker.Url, config.Docker.KillAttempts, config.Docker.KillRetryDelay)
	if err != nil {
		return nil, nil, err
	}

	fs := afero.NewOsFs()
	dispatcher := dispatch.NewDispatcher(
		loadjob.NewRedisClient(a.Queue, config.Queue.LoadQueue),
		config.Pipeline.Fanout,
		config.Pipeline.PollInterval,
		config.Pipeline.LoadTimeout)

	p := pipeline.New(
		pipeline.Config{
			Host:                 config.Host,
			ContainerPort:        config.Pipeline.ContainerPort,
			ImagePrefix:          config.Docker.ImagePrefix,
			KeepWorkspaceOnError: config.Pipeline.KeepWorkspaceOnError,
			Timeout:              config.Pipeline.Timeout,
			CleanupTimeout:       config.Pipeline.CleanupTimeout,
		},
		a.Builds,
		workspace.NewManager(fs, config.Workspace.Root),
		source.NewProvider(fs, config.Workspace.LocalWorkspace),
		buildspec.NewReader(fs),
		engine,
		ports.NewAllocator(config.ExportPort, config.ExportPortRange),
		dispatcher,
		a.Metrics)
	return p, engine, nil
}

// SubmitBuild records a new build of url and queues a pipeline run for it. An empty id is replaced by a
// generated one and an empty repositoryFullName is derived from url. It returns the id of the build and
// of the queued job.
func (a *App) SubmitBuild(ctx context.Context, id string, url string, repositoryFullName string) (string, string, error) {
	if repositoryFullName == "" {
		repositoryFullName = source.RepositoryFullName(url)
	}
	if err := workspace.ValidateSourceName(repositoryFullName); err != nil {
		return "", "", err
	}
	build := &domain.Build{
		Id:                 id,
		Url:                url,
		RepositoryFullName: repositoryFullName,
	}
	if err := a.Builds.CreateBuild(ctx, build); err != nil {
		return "", "", err
	}
	jobId, err := worker.Submit(ctx, a.Queue, a.Config.Queue.PipelineQueue, build.Id)
	if err != nil {
		return build.Id, "", err
	}
	return build.Id, jobId, nil
}

// StartUpPipelineWorker starts polling the pipeline queue. The returned function stops polling,
// waits for the run in progress to wind down and releases every client.
func (a *App) StartUpPipelineWorker(ctx context.Context) (func(), error) {
	p, engine, err := a.NewPipeline()
	if err != nil {
		return nil, err
	}
	if err := engine.Ping(ctx); err != nil {
		_ = engine.Close()
		return nil, errors.Wrap(err, "docker daemon is unreachable")
	}

	w := worker.NewWorker(a.Queue, a.Config.Queue.PipelineQueue, a.WorkerId, p, a.Metrics)
	if err := w.RequeueAbandoned(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	checker := health.NewMultiChecker(
		startupCompleteCheck,
		a.redisChecker(),
		health.FunctionChecker(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return engine.Ping(ctx)
		}))
	stopMetricsServer := common.ServeMetrics(a.Config.MetricsPort, a.registry, checker)

	taskManager := task.NewBackgroundTaskManager(taskMetricsPrefix, a.registry)
	taskManager.Register(w.Poll, a.Config.Queue.PollInterval, "pipeline_poll")
	startupCompleteCheck.MarkComplete()

	log.Infof("Pipeline worker %s polling %s", a.WorkerId, a.Config.Queue.PipelineQueue)
	return func() {
		a.shutdown(taskManager, stopMetricsServer)
		if err := engine.Close(); err != nil {
			log.Warnf("Failed to close docker client: %v", err)
		}
	}, nil
}

// StartUpLoadWorker starts Concurrency pollers of the load queue, each attacking one job at a time.
func (a *App) StartUpLoadWorker(ctx context.Context) (func(), error) {
	config := a.Config.LoadWorker
	attacker := loadjob.NewVegetaAttacker(config.Rate, config.Duration, config.RequestTimeout)

	startupCompleteCheck := health.NewStartupCompleteChecker()
	checker := health.NewMultiChecker(startupCompleteCheck, a.redisChecker())
	stopMetricsServer := common.ServeMetrics(a.Config.MetricsPort, a.registry, checker)

	taskManager := task.NewBackgroundTaskManager(taskMetricsPrefix, a.registry)
	for i := 0; i < config.Concurrency; i++ {
		workerId := fmt.Sprintf("%s-%d", a.WorkerId, i)
		w := loadjob.NewWorker(a.Queue, a.Config.Queue.LoadQueue, workerId, attacker, a.Metrics)
		if err := w.RequeueAbandoned(ctx); err != nil {
			a.shutdown(taskManager, stopMetricsServer)
			return nil, err
		}
		taskManager.Register(w.Poll, a.Config.Queue.PollInterval, fmt.Sprintf("load_poll_%d", i))
	}
	startupCompleteCheck.MarkComplete()

	log.Infof("Load worker %s running %d pollers on %s", a.WorkerId, config.Concurrency, a.Config.Queue.LoadQueue)
	return func() {
		a.shutdown(taskManager, stopMetricsServer)
	}, nil
}

func (a *App) shutdown(taskManager *task.BackgroundTaskManager, stopMetricsServer func()) {
	if taskManager.StopAll(shutdownTimeout) {
		log.Warnf("Graceful shutdown timed out")
	}
	stopMetricsServer()
	a.Close()
	log.Infof("Shutdown complete")
}

func (a *App) redisChecker() health.Checker {
	return health.FunctionChecker(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return a.redis.Ping(ctx).Err()
	})
}
