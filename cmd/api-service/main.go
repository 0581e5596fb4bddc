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

	"github.com/cuongbtq/meeting-transcriber/internal/api/handler"
	"github.com/cuongbtq/meeting-transcriber/internal/api/router"
	"github.com/cuongbtq/meeting-transcriber/internal/config"
	"github.com/cuongbtq/meeting-transcriber/internal/ingestion"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
	"github.com/cuongbtq/meeting-transcriber/shared/logger"
	"github.com/cuongbtq/meeting-transcriber/shared/metrics"
	"github.com/cuongbtq/meeting-transcriber/shared/objectstore"
	"github.com/cuongbtq/meeting-transcriber/shared/postgresql"
	"github.com/cuongbtq/meeting-transcriber/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const serviceName = "api-service"

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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	index, err := ingestion.NewHTTPIndex(ingestion.HTTPIndexConfig{
		BaseURL: cfg.Index.BaseURL,
		APIKey:  cfg.Index.APIKey,
		Timeout: cfg.Index.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize document index client: %w", err)
	}

	jobStore := store.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)

	deps := &handler.Dependencies{
		Logger:    appLogger.Logger,
		Store:     jobStore,
		Publisher: rabbitClient,
		Objects:   objects,
		// the API only opens the minutes phase; workers call the engine
		Generator:      minutes.NewGenerator(jobStore, nil, appLogger.Logger),
		Bridge:         ingestion.NewBridge(jobStore, index, cfg.Index.Collection, appLogger.Logger),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ServiceName:    serviceName,
		HealthChecks: map[string]func(ctx context.Context) error{
			"database":     dbClient.HealthCheck,
			"object_store": objects.HealthCheck,
			"rabbitmq": func(ctx context.Context) error {
				if !rabbitClient.IsConnected() {
					return rabbitmq.ErrNotConnected
				}
				return nil
			},
		},
	}

	r := initRouter(cfg, deps)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		metricsSrv = startMetricsServer(cfg.Metrics, appLogger.Logger)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Int64("max_upload_bytes", cfg.Server.MaxUploadBytes),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	case <-rabbitClient.NotifyClose():
		// publishing is impossible without the channel; let the orchestrator restart us
		appLogger.Error("RabbitMQ channel closed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var opts router.Options
	// port 0 shares the API listener
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		opts.MetricsPath = metricsPath(cfg.Metrics)
	}

	return router.SetupRouter(deps, opts)
}

// startMetricsServer serves Prometheus metrics on a dedicated port
func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath(cfg), metrics.Handler())

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

func metricsPath(cfg config.MetricsConfig) string {
	if cfg.Path == "" {
		return "/metrics"
	}
	return cfg.Path
}
