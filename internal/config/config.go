package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Object storage defaults. Credentials have no default and must come from
// the config file or the environment.
const (
	DefaultStorageEndpoint = "s3.us-east-005.backblazeb2.com"
	DefaultStorageRegion   = "us-east-005"
	DefaultStorageBucket   = "realskin-images"
	DefaultVolumePath      = "/runpod-volume"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Input    InputConfig    `yaml:"input"`
	Output   OutputConfig   `yaml:"output"`
	Engine   EngineConfig   `yaml:"engine"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Upload   UploadConfig   `yaml:"upload"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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
	PrefetchCount int `yaml:"prefetch_count"`
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
	VolumePath  string `yaml:"volume_path"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// StorageConfig holds S3-compatible object storage settings
type StorageConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Region            string        `yaml:"region"`
	Bucket            string        `yaml:"bucket"`
	AccessKeyID       string        `yaml:"access_key_id"`
	SecretAccessKey   string        `yaml:"secret_access_key"`
	PublicBaseURL     string        `yaml:"public_base_url"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	CompatMaxAttempts int           `yaml:"compat_max_attempts"`
	EnableFallback    *bool         `yaml:"enable_fallback"`
}

// CacheConfig holds the local input cache location
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// InputConfig holds input resolution limits
type InputConfig struct {
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	MaxInputBytes int64         `yaml:"max_input_bytes"`
	MinDimension  int           `yaml:"min_dimension"`
	MaxDimension  int           `yaml:"max_dimension"`
}

// OutputConfig holds where engine artifacts are searched
type OutputConfig struct {
	Dirs    []string          `yaml:"dirs"`
	Markers map[string]string `yaml:"markers"`
}

// EngineConfig holds the enhancement engine command and its time budget
type EngineConfig struct {
	Command   string        `yaml:"command"`
	Args      []string      `yaml:"args"`
	WorkDir   string        `yaml:"work_dir"`
	Env       []string      `yaml:"env"`
	Timeout   time.Duration `yaml:"timeout"`
	WaitDelay time.Duration `yaml:"wait_delay"`
}

// JanitorConfig holds temporary resource and device release settings
type JanitorConfig struct {
	TempRoot         string `yaml:"temp_root"`
	SuccessPasses    int    `yaml:"success_passes"`
	FailurePasses    int    `yaml:"failure_passes"`
	SampleHostMemory bool   `yaml:"sample_host_memory"`

	// DeviceURL is the engine runner exposing /free and /system_stats.
	// Empty means device release is host-only.
	DeviceURL     string        `yaml:"device_url"`
	DeviceTimeout time.Duration `yaml:"device_timeout"`
	UnloadModels  bool          `yaml:"unload_models"`
}

// UploadConfig holds output object naming
type UploadConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv(os.Getenv)
	config.applyDefaults()

	return &config, nil
}

// applyEnv overrides file values with the storage and volume variables the
// deployment platform injects
func (c *Config) applyEnv(getenv func(string) string) {
	overrides := []struct {
		key   string
		field *string
	}{
		{"B2_ENDPOINT", &c.Storage.Endpoint},
		{"B2_REGION", &c.Storage.Region},
		{"B2_IMAGE_BUCKET_NAME", &c.Storage.Bucket},
		{"B2_ACCESS_KEY_ID", &c.Storage.AccessKeyID},
		{"B2_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey},
		{"B2_PUBLIC_BASE_URL", &c.Storage.PublicBaseURL},
		{"ENHANCE_VOLUME_PATH", &c.App.VolumePath},
		{"ENHANCE_ENGINE_COMMAND", &c.Engine.Command},
		{"ENHANCE_DEVICE_URL", &c.Janitor.DeviceURL},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(getenv(o.key)); v != "" {
			*o.field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.App.VolumePath == "" {
		c.App.VolumePath = DefaultVolumePath
	}

	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = DefaultStorageEndpoint
	}
	if c.Storage.Region == "" {
		c.Storage.Region = DefaultStorageRegion
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = DefaultStorageBucket
	}
	if c.Storage.MaxRetries <= 0 {
		c.Storage.MaxRetries = 3
	}
	if c.Storage.BaseDelay <= 0 {
		c.Storage.BaseDelay = time.Second
	}
	if c.Storage.CallTimeout <= 0 {
		c.Storage.CallTimeout = 60 * time.Second
	}
	if c.Storage.CompatMaxAttempts <= 0 {
		c.Storage.CompatMaxAttempts = 5
	}
	if c.Storage.EnableFallback == nil {
		enabled := true
		c.Storage.EnableFallback = &enabled
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.App.VolumePath, "downloaded_images")
	}
	if len(c.Output.Dirs) == 0 {
		c.Output.Dirs = []string{
			filepath.Join(c.App.VolumePath, "ComfyUI", "output"),
			filepath.Join(c.App.VolumePath, "outputs"),
		}
	}

	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = 15 * time.Minute
	}
	if c.Engine.WaitDelay <= 0 {
		c.Engine.WaitDelay = 10 * time.Second
	}

	if c.Janitor.SuccessPasses <= 0 {
		c.Janitor.SuccessPasses = 2
	}
	if c.Janitor.FailurePasses <= 0 {
		c.Janitor.FailurePasses = 4
	}

	if c.Upload.KeyPrefix == "" {
		c.Upload.KeyPrefix = "enhanced"
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = c.Engine.Timeout + 5*time.Minute
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}

	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.ValidatePipeline()
}

// ValidatePipeline checks the settings a single job run needs. It is all
// the single-shot worker mode validates.
func (c *Config) ValidatePipeline() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= c.Engine.Timeout {
		return fmt.Errorf("worker job_timeout (%s) must exceed engine timeout (%s)", c.Worker.JobTimeout, c.Engine.Timeout)
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Engine.Command == "" {
		return fmt.Errorf("engine command is required")
	}

	if c.Input.MinDimension > 0 && c.Input.MaxDimension > 0 && c.Input.MinDimension > c.Input.MaxDimension {
		return fmt.Errorf("input min_dimension %d exceeds max_dimension %d", c.Input.MinDimension, c.Input.MaxDimension)
	}

	if c.Janitor.DeviceURL != "" {
		u, err := url.Parse(c.Janitor.DeviceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("janitor device_url %q must be an absolute http(s) url", c.Janitor.DeviceURL)
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
