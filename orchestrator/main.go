package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/batch"
	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/notify"
	"github.com/scanhive-labs/scanhive-go/internal/pipeline"
	"github.com/scanhive-labs/scanhive-go/internal/platform/env"
	"github.com/scanhive-labs/scanhive-go/internal/platform/httpserver"
	"github.com/scanhive-labs/scanhive-go/internal/platform/k8s"
	"github.com/scanhive-labs/scanhive-go/internal/platform/objectstore"
	"github.com/scanhive-labs/scanhive-go/internal/platform/postgres"
	"github.com/scanhive-labs/scanhive-go/internal/platform/redisconn"
	"github.com/scanhive-labs/scanhive-go/internal/registry"
	pgrepo "github.com/scanhive-labs/scanhive-go/internal/repo/postgres"
	"github.com/scanhive-labs/scanhive-go/internal/report"
	"github.com/scanhive-labs/scanhive-go/internal/resource"
	"github.com/scanhive-labs/scanhive-go/internal/runtimeexec"
	"github.com/scanhive-labs/scanhive-go/internal/stream"
)

// dbProfileSource feeds the registry from the relational profile store.
type dbProfileSource struct {
	store *pgrepo.ProfileStore
}

func (s dbProfileSource) Load(ctx context.Context) ([]domain.ModuleProfile, error) {
	return s.store.ListActive(ctx)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SCANHIVE_ORCH_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("SCANHIVE_ORCH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	redisCfg, err := redisconn.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	redisClient, err := redisconn.Open(ctx, redisCfg)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	batches := pgrepo.NewBatchStore(db)
	assignments := pgrepo.NewAssignmentStore(db)
	discoveries := pgrepo.NewDiscoveryStore(db)

	cacheTTL, err := env.Duration("SCANHIVE_PROFILE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		logger.Error("invalid profile cache ttl", "error", err)
		os.Exit(2)
	}
	var profileSource registry.Source = dbProfileSource{store: pgrepo.NewProfileStore(db)}
	if path := strings.TrimSpace(env.String("SCANHIVE_MODULE_PROFILE_PATH", "")); path != "" {
		profileSource = registry.YAMLSource{Path: path}
	}
	reg, err := registry.New(profileSource, registry.Config{CacheTTL: cacheTTL})
	if err != nil {
		logger.Error("registry init failed", "error", err)
		os.Exit(2)
	}

	calcCfg, err := resource.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid resource config", "error", err)
		os.Exit(2)
	}
	optimizer, err := batch.NewOptimizer(reg, resource.NewCalculator(calcCfg))
	if err != nil {
		logger.Error("optimizer init failed", "error", err)
		os.Exit(2)
	}

	executorMode := strings.ToLower(strings.TrimSpace(env.String("SCANHIVE_SCAN_EXECUTOR", "disabled")))
	scanNamespace := strings.TrimSpace(env.String("SCANHIVE_SCAN_K8S_NAMESPACE", ""))
	var scanExec runtimeexec.Executor
	switch executorMode {
	case "", "disabled":
		scanExec = nil
	case "kubernetes", "k8s":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			logger.Error("k8s client init failed", "error", err)
			os.Exit(2)
		}
		if scanNamespace == "" {
			scanNamespace = client.Namespace()
		}
		jobTTLSeconds, err := env.Int("SCANHIVE_SCAN_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			logger.Error("invalid job ttl seconds", "error", err)
			os.Exit(2)
		}
		jobServiceAccount := env.String("SCANHIVE_SCAN_K8S_JOB_SERVICE_ACCOUNT", "")
		exec, err := runtimeexec.NewKubernetesJobExecutor(client, scanNamespace, int32(jobTTLSeconds), jobServiceAccount)
		if err != nil {
			logger.Error("k8s executor init failed", "error", err)
			os.Exit(2)
		}
		scanExec = exec
	case "docker":
		exec, err := runtimeexec.NewDockerExecutor(env.String("SCANHIVE_DOCKER_BIN", "docker"))
		if err != nil {
			logger.Error("docker executor init failed", "error", err)
			os.Exit(2)
		}
		scanExec = exec
	default:
		logger.Error("unsupported scan executor", "mode", executorMode)
		os.Exit(2)
	}

	streams, err := stream.NewCoordinator(redisClient, logger)
	if err != nil {
		logger.Error("stream coordinator init failed", "error", err)
		os.Exit(2)
	}

	pollInterval, err := env.Duration("SCANHIVE_BATCH_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid batch poll interval", "error", err)
		os.Exit(2)
	}
	moduleTimeout, err := env.Duration("SCANHIVE_MODULE_TIMEOUT", 30*time.Minute)
	if err != nil {
		logger.Error("invalid module timeout", "error", err)
		os.Exit(2)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Registry:    reg,
		Optimizer:   optimizer,
		Batches:     batches,
		Assignments: assignments,
		Discoveries: discoveries,
		Executor:    scanExec,
		Streams:     streams,
		Notifier:    notify.NewPublisher(redisClient, logger),
		Archiver:    report.NewArchiver(storeClient, storeCfg.BucketReports, logger),
		Logger:      logger,
	}, pipeline.Config{
		PollInterval:  pollInterval,
		ModuleTimeout: moduleTimeout,
		ConsumerGroup: env.String("SCANHIVE_CONSUMER_GROUP", "scanhive-consumers"),
		ImagePattern:  env.String("SCANHIVE_SCAN_IMAGE_PATTERN", "scanhive/%s:latest"),
	})
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(2)
	}
	defer orch.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "redis",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return redisClient.Ping(checkCtx).Err()
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newScanAPI(logger, orch, reg)
	api.register(mux)

	monitorInterval, err := env.Duration("SCANHIVE_BATCH_MONITOR_INTERVAL", 15*time.Second)
	if err != nil {
		logger.Error("invalid batch monitor interval", "error", err)
		os.Exit(2)
	}
	staleAfter, err := env.Duration("SCANHIVE_BATCH_STALE_AFTER", 2*moduleTimeout)
	if err != nil {
		logger.Error("invalid batch stale threshold", "error", err)
		os.Exit(2)
	}
	startBatchMonitor(ctx, logger, batches, scanExec, batchMonitorConfig{
		Namespace:  scanNamespace,
		Interval:   monitorInterval,
		StaleAfter: staleAfter,
	})

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
