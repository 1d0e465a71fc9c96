package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/taskfabric/internal/db"
	httpapi "github.com/yungbote/taskfabric/internal/http"
	httpH "github.com/yungbote/taskfabric/internal/http/handlers"
	"github.com/yungbote/taskfabric/internal/janitor"
	"github.com/yungbote/taskfabric/internal/jobdefs"
	"github.com/yungbote/taskfabric/internal/kernel"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
	"github.com/yungbote/taskfabric/internal/submit"
	"github.com/yungbote/taskfabric/internal/utils"
	"github.com/yungbote/taskfabric/internal/worker"
)

func main() {
	mode := utils.GetEnv("APP_ENV", "dev", nil)
	logg, err := logger.New(mode)
	if err != nil {
		panic(err)
	}
	defer logg.Sync()
	if mode == "prod" || mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := observability.NewMetrics()
	emit := observability.NewEmitter(logg, metrics)

	var store state.Store
	switch utils.GetEnv("STATE_BACKEND", "postgres", logg) {
	case "memory":
		store = state.NewMemoryStore()
		logg.Warn("Using in-memory state store, all data is lost on restart")
	default:
		pg, err := db.NewPostgresService(logg)
		if err != nil {
			logg.Fatal("Failed to connect to Postgres", "error", err)
		}
		if err := pg.Migrate(); err != nil {
			logg.Fatal("Failed to migrate schema", "error", err)
		}
		store = state.NewPostgresStore(pg.DB(), logg)
	}

	lockDuration := utils.GetEnvAsDuration("QUEUE_LOCK_DURATION", 2*time.Minute, logg)
	var q queue.Queue
	switch utils.GetEnv("QUEUE_BACKEND", "redis", logg) {
	case "memory":
		q = queue.NewMemoryQueue()
		logg.Warn("Using in-memory queue, messages are lost on restart")
	default:
		hostname, _ := os.Hostname()
		consumer := hostname + "-" + uuid.NewString()[:8]
		q, err = queue.NewRedisQueue(logg, queue.RedisOptions{
			Addr:         utils.GetEnv("REDIS_ADDR", "localhost:6379", logg),
			Group:        utils.GetEnv("REDIS_GROUP", "taskfabric", logg),
			Consumer:     consumer,
			LockDuration: lockDuration,
		})
		if err != nil {
			logg.Fatal("Failed to connect to Redis", "error", err)
		}
	}
	defer q.Close()

	reg := registry.New()
	if err := jobdefs.RegisterAll(reg); err != nil {
		logg.Fatal("Failed to register job definitions", "error", err)
	}
	if err := reg.CheckWiring(); err != nil {
		logg.Fatal("Job definition wiring check failed", "error", err)
	}

	jobQueue := utils.GetEnv("JOB_QUEUE", "taskfabric.jobs", logg)
	taskQueue := utils.GetEnv("TASK_QUEUE", "taskfabric.tasks", logg)

	policy := kernel.DefaultRetryPolicy()
	policy.MaxRetries = utils.GetEnvAsInt("TASK_MAX_RETRIES", policy.MaxRetries, logg)

	invoker := kernel.NewInvoker(reg, emit, metrics,
		utils.GetEnvAsDuration("HANDLER_TIMEOUT", 10*time.Minute, logg), nil)

	krn := kernel.New(store, q, reg, invoker, policy, emit, metrics, logg, kernel.Config{
		JobQueue:          jobQueue,
		TaskQueue:         taskQueue,
		HeartbeatInterval: utils.GetEnvAsDuration("TASK_HEARTBEAT_INTERVAL", 30*time.Second, logg),
	})

	sub := submit.NewService(store, q, reg, emit, logg, jobQueue)

	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, logg)
	renewCeiling := utils.GetEnvAsDuration("LOCK_RENEW_CEILING", 30*time.Minute, logg)
	jobPool := worker.NewPool(q, krn.ProcessJobMessage, emit, metrics, logg, worker.Options{
		Queue:        jobQueue,
		Concurrency:  utils.GetEnvAsInt("JOB_WORKER_CONCURRENCY", 2, logg),
		LockDuration: lockDuration,
		RenewCeiling: renewCeiling,
	})
	taskPool := worker.NewPool(q, krn.ProcessTaskMessage, emit, metrics, logg, worker.Options{
		Queue:        taskQueue,
		Concurrency:  concurrency,
		LockDuration: lockDuration,
		RenewCeiling: renewCeiling,
	})

	jan := janitor.New(store, krn, emit, logg, janitor.Options{
		Interval:       utils.GetEnvAsDuration("JANITOR_INTERVAL", time.Minute, logg),
		StaleThreshold: utils.GetEnvAsDuration("TASK_STALE_THRESHOLD", 10*time.Minute, logg),
	})

	server := httpapi.NewServer(httpapi.RouterConfig{
		JobHandler:     httpH.NewJobHandler(sub, store, reg),
		HealthHandler:  httpH.NewHealthHandler(),
		MetricsHandler: metrics.Handler(),
		Log:            logg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobPool.Run(gctx) })
	g.Go(func() error { return taskPool.Run(gctx) })
	g.Go(func() error {
		jan.Run(gctx)
		return nil
	})

	addr := utils.GetEnv("HTTP_ADDR", ":8080", logg)
	g.Go(func() error { return server.Run(addr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logg.Info("taskfabric started", "addr", addr, "job_queue", jobQueue, "task_queue", taskQueue)
	if err := g.Wait(); err != nil && err != context.Canceled {
		logg.Error("Shutdown with error", "error", err)
	}
	logg.Info("taskfabric stopped")
}
