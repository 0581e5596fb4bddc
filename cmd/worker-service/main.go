package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/meeting-transcriber/internal/config"
	"github.com/cuongbtq/meeting-transcriber/internal/engine"
	"github.com/cuongbtq/meeting-transcriber/internal/ingestion"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/cuongbtq/meeting-transcriber/internal/pipeline"
	"github.com/cuongbtq/meeting-transcriber/internal/segmenter"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/cuongbtq/meeting-transcriber/internal/worker"
	"github.com/cuongbtq/meeting-transcriber/shared/logger"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
	"github.com/cuongbtq/meeting-transcriber/shared/objectstore"
	"github.com/cuongbtq/meeting-transcriber/shared/postgresql"
	"github.com/cuongbtq/meeting-transcriber/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const serviceName = "worker-service"

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
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := newWorkerID()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	defer initCancel()

	dbClient, err := initPostgreSQL(initCtx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(store.Migrate); err != nil {
			return err
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	objects, err := initObjectStore(initCtx, &cfg.ObjectStore, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	gemini, err := engine.NewGeminiClient(engine.GeminiConfig{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
		Model:   cfg.Engine.Model,
		Timeout: cfg.Engine.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transcription engine: %w", err)
	}

	index, err := ingestion.NewHTTPIndex(ingestion.HTTPIndexConfig{
		BaseURL: cfg.Index.BaseURL,
		APIKey:  cfg.Index.APIKey,
		Timeout: cfg.Index.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize document index client: %w", err)
	}

	jobStore := store.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)

	runner := pipeline.NewRunner(jobStore, gemini, segmenter.New(segmenter.Config{
		FFmpegPath:      cfg.Pipeline.FFmpegPath,
		SegmentDuration: cfg.Pipeline.SegmentDuration,
		Transcode:       cfg.Pipeline.Transcode,
	}), pipeline.Config{
		PollInterval:    cfg.Pipeline.PollInterval,
		MaxPollAttempts: cfg.Pipeline.MaxPollAttempts,
		ChunkDelay:      cfg.Pipeline.ChunkDelay,
		Instructions:    cfg.Engine.Instructions,
		Languages:       cfg.Pipeline.Languages,
		ScratchDir:      cfg.Pipeline.ScratchDir,
	}, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             jobStore,
		Queue:             rabbitClient,
		Sources:           objects,
		Runner:            runner,
		Minutes:           minutes.NewGenerator(jobStore, gemini, appLogger.Logger),
		Ingestion:         ingestion.NewBridge(jobStore, index, cfg.Index.Collection, appLogger.Logger),
		WorkerID:          workerID,
		ConsumerTag:       cfg.RabbitMQ.Consumer.Tag,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
		RecoveryInterval:  cfg.Worker.RecoveryInterval,
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics, appLogger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error", slog.Any("error", err))
		runErr = err
	case amqpErr := <-rabbitClient.NotifyClose():
		appLogger.Error("RabbitMQ channel closed", slog.Any("error", amqpErr))
		runErr = errors.New("rabbitmq channel closed")
	}

	// Cancel context to stop worker; in-flight jobs are picked up by stale recovery
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Worker))
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// newWorkerID combines the hostname with a short random suffix so restarted
// containers never reuse a claim owner
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func shutdownTimeout(cfg config.WorkerConfig) time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.ShutdownTimeout
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
		Service:      serviceName,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initObjectStore connects to the bucket holding uploaded audio
func initObjectStore(ctx context.Context, cfg *config.ObjectStoreConfig, logger *slog.Logger) (*objectstore.Client, error) {
	return objectstore.NewClient(ctx, &objectstore.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	}, logger)
}

// startMetricsServer serves Prometheus metrics on a dedicated port
func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server started", slog.String("address", srv.Addr))
	return srv
}
