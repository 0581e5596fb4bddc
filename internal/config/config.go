package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes the environment variables that override secrets
	EnvPrefix = "MT"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Engine      EngineConfig      `yaml:"engine"`
	Index       IndexConfig       `yaml:"index"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// ObjectStoreConfig holds the S3-compatible store used for uploaded audio
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// EngineConfig holds the transcription engine settings
type EngineConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	Instructions string        `yaml:"instructions"`
}

// IndexConfig holds the document index settings
type IndexConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PipelineConfig holds the chunk loop settings
type PipelineConfig struct {
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	Transcode       bool          `yaml:"transcode"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	ChunkDelay      time.Duration `yaml:"chunk_delay"`
	ScratchDir      string        `yaml:"scratch_dir"`
	Languages       string        `yaml:"languages"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Secrets are read from MT_* environment variables and replace the file values when set
type Secrets struct {
	DBPassword           string `envconfig:"DB_PASSWORD"`
	RabbitMQPassword     string `envconfig:"RABBITMQ_PASSWORD"`
	EngineAPIKey         string `envconfig:"ENGINE_API_KEY"`
	ObjectStoreAccessKey string `envconfig:"OBJECT_STORE_ACCESS_KEY"`
	ObjectStoreSecretKey string `envconfig:"OBJECT_STORE_SECRET_KEY"`
	IndexAPIKey          string `envconfig:"INDEX_API_KEY"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv() error {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return err
	}

	override(&c.Database.Password, s.DBPassword)
	override(&c.RabbitMQ.Password, s.RabbitMQPassword)
	override(&c.Engine.APIKey, s.EngineAPIKey)
	override(&c.ObjectStore.AccessKey, s.ObjectStoreAccessKey)
	override(&c.ObjectStore.SecretKey, s.ObjectStoreSecretKey)
	override(&c.Index.APIKey, s.IndexAPIKey)
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the settings both services share
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validPort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validPort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.ObjectStore.Endpoint == "" {
		return fmt.Errorf("object store endpoint is required")
	}

	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}

	// port 0 serves metrics on the main HTTP server
	if c.Metrics.Enabled && c.Metrics.Port != 0 {
		if err := validPort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validPort("server", c.Server.Port); err != nil {
		return err
	}

	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server max_upload_bytes must not be negative")
	}

	if c.Index.BaseURL == "" {
		return fmt.Errorf("index base_url is required")
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Engine.APIKey == "" {
		return fmt.Errorf("engine api_key is required")
	}

	if c.Engine.Model == "" {
		return fmt.Errorf("engine model is required")
	}

	if c.Index.BaseURL == "" {
		return fmt.Errorf("index base_url is required")
	}

	if c.Pipeline.SegmentDuration < 0 || c.Pipeline.PollInterval < 0 || c.Pipeline.ChunkDelay < 0 {
		return fmt.Errorf("pipeline durations must not be negative")
	}

	return c.Validate()
}

func validPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
