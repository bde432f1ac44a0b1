package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/enhance-worker/internal/config"
	"github.com/cuongbtq/enhance-worker/internal/metrics"
	"github.com/cuongbtq/enhance-worker/internal/worker"
	"github.com/cuongbtq/enhance-worker/internal/worker/cache"
	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
	"github.com/cuongbtq/enhance-worker/internal/worker/engine"
	"github.com/cuongbtq/enhance-worker/internal/worker/input"
	"github.com/cuongbtq/enhance-worker/internal/worker/janitor"
	"github.com/cuongbtq/enhance-worker/internal/worker/objectstore"
	"github.com/cuongbtq/enhance-worker/internal/worker/orchestrator"
	"github.com/cuongbtq/enhance-worker/internal/worker/output"
	"github.com/cuongbtq/enhance-worker/internal/worker/storage"
	"github.com/cuongbtq/enhance-worker/migrations"
	"github.com/cuongbtq/enhance-worker/shared/logger"
	"github.com/cuongbtq/enhance-worker/shared/postgresql"
	"github.com/cuongbtq/enhance-worker/shared/rabbitmq"
)

const serviceName = "enhance-worker-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	requestPath := flag.String("request", "", "Run a single request read from this JSON file (- for stdin) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	singleShot := *requestPath != ""
	if singleShot {
		err = cfg.ValidatePipeline()
	} else {
		err = cfg.ValidateWorkerConfig()
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.New(cfg.Logging.LoggerConfig(serviceName, loggerOutput(&cfg.Logging, singleShot)))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("single_shot", singleShot),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := initObjectStore(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	if singleShot {
		orch, err := initOrchestrator(cfg, store, nil, appLogger.Logger)
		if err != nil {
			return err
		}
		return runSingle(ctx, orch, *requestPath, appLogger.Logger)
	}

	// Initialize PostgreSQL client
	dbClient, err := postgresql.NewClient(ctx, cfg.Database.ClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	prometheus.MustRegister(dbClient.Collector(cfg.Database.Database))

	jobStorage := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	orch, err := initOrchestrator(cfg, store, jobStorage, appLogger.Logger)
	if err != nil {
		return err
	}

	// Initialize RabbitMQ client
	rabbitClient, err := rabbitmq.NewClient(ctx, cfg.RabbitMQ.ClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	workerInstance, err := worker.NewWorker(&worker.Config{
		WorkerID:          workerID(),
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, jobStorage, orch, rabbitClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort, appLogger.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
		runErr = waitForWorker(errChan, cfg.Worker.ShutdownTimeout, appLogger.Logger)
	case runErr = <-errChan:
		if runErr != nil {
			appLogger.Error("Worker error", slog.Any("error", runErr))
		}
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// waitForWorker lets in-flight jobs finish up to timeout.
func waitForWorker(errChan <-chan error, timeout time.Duration, logger *slog.Logger) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Worker stopped gracefully")
		return nil
	case <-timer.C:
		logger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", timeout),
		)
		return nil
	}
}

// runSingle executes one request without the queue and prints the response.
func runSingle(ctx context.Context, orch *orchestrator.Orchestrator, path string, logger *slog.Logger) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	jobID := uuid.New().String()
	var req domain.Request
	var resp *domain.Response
	if err := json.Unmarshal(data, &req); err != nil {
		now := time.Now().UTC()
		resp = &domain.Response{
			Status:       domain.StatusError,
			JobID:        jobID,
			Stage:        domain.StageValidating,
			Outputs:      map[string]string{},
			ErrorKind:    domain.KindValidation,
			ErrorMessage: fmt.Sprintf("request is not valid JSON: %v", err),
			StartedAt:    now,
			FinishedAt:   now,
		}
	} else {
		resp = orch.Run(ctx, jobID, &req)
	}

	logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", resp.Status),
		slog.String("stage", string(resp.Stage)),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// loggerOutput keeps stdout free for the response in single-shot runs.
func loggerOutput(cfg *config.LoggingConfig, singleShot bool) string {
	if singleShot && (cfg.Output == "" || cfg.Output == "stdout") {
		return "stderr"
	}
	return ""
}

// initObjectStore builds the storage client with its fallback profiles
func initObjectStore(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (*objectstore.Client, error) {
	fallback := true
	if cfg.EnableFallback != nil {
		fallback = *cfg.EnableFallback
	}

	return objectstore.NewClient(ctx, &objectstore.Config{
		Endpoint:          cfg.Endpoint,
		Region:            cfg.Region,
		Bucket:            cfg.Bucket,
		AccessKeyID:       cfg.AccessKeyID,
		SecretAccessKey:   cfg.SecretAccessKey,
		PublicBaseURL:     cfg.PublicBaseURL,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		CallTimeout:       cfg.CallTimeout,
		CompatMaxAttempts: cfg.CompatMaxAttempts,
		EnableFallback:    fallback,
	}, logger)
}

// initOrchestrator wires the pipeline components. recorder may be nil.
func initOrchestrator(cfg *config.Config, store *objectstore.Client, recorder *storage.Storage, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	objCache, err := cache.New(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	resolver := input.NewResolver(&input.Config{
		HTTPTimeout:   cfg.Input.HTTPTimeout,
		MaxInputBytes: cfg.Input.MaxInputBytes,
		MinDimension:  cfg.Input.MinDimension,
		MaxDimension:  cfg.Input.MaxDimension,
	}, objCache, store, logger)

	eng, err := engine.NewCommand(&engine.CommandConfig{
		Path:      cfg.Engine.Command,
		Args:      cfg.Engine.Args,
		Dir:       cfg.Engine.WorkDir,
		Env:       cfg.Engine.Env,
		WaitDelay: cfg.Engine.WaitDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	var device janitor.Device
	if cfg.Janitor.DeviceURL != "" {
		httpDevice, err := janitor.NewHTTPDevice(&janitor.HTTPDeviceConfig{
			BaseURL:      cfg.Janitor.DeviceURL,
			Timeout:      cfg.Janitor.DeviceTimeout,
			UnloadModels: cfg.Janitor.UnloadModels,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize device: %w", err)
		}
		device = httpDevice
		logger.Info("Device release enabled", slog.String("device_url", cfg.Janitor.DeviceURL))
	}

	deps := orchestrator.Dependencies{
		Resolver:  resolver,
		Engine:    eng,
		Collector: output.NewCollector(cfg.Output.Dirs, cfg.Output.Markers, logger),
		Uploader:  store,
		Janitor: janitor.New(&janitor.Config{
			TempRoot:         cfg.Janitor.TempRoot,
			SampleHostMemory: cfg.Janitor.SampleHostMemory,
		}, device, logger),
	}
	if recorder != nil {
		deps.Recorder = recorder
	}

	orch, err := orchestrator.New(&orchestrator.Config{
		EngineTimeout: cfg.Engine.Timeout,
		KeyPrefix:     cfg.Upload.KeyPrefix,
		SuccessPasses: cfg.Janitor.SuccessPasses,
		FailurePasses: cfg.Janitor.FailurePasses,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	return orch, nil
}

// startMetricsServer serves /metrics on port. A zero port disables it.
func startMetricsServer(port int, logger *slog.Logger) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.Int("port", port))
	return srv
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
