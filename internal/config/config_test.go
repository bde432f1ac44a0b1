package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storageEnv = []string{
	"B2_ENDPOINT",
	"B2_REGION",
	"B2_IMAGE_BUCKET_NAME",
	"B2_ACCESS_KEY_ID",
	"B2_SECRET_ACCESS_KEY",
	"B2_PUBLIC_BASE_URL",
	"ENHANCE_VOLUME_PATH",
	"ENHANCE_ENGINE_COMMAND",
	"ENHANCE_DEVICE_URL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range storageEnv {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "enhance_db", cfg.Database.Database)
			assert.Equal(t, "enhance_jobs", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, "enhance_jobs.dlx", cfg.RabbitMQ.Queue.DeadLetterExchange)
			assert.Equal(t, "test-images", cfg.Storage.Bucket)
			assert.Equal(t, 4, cfg.Storage.MaxRetries)
			assert.Equal(t, 500*time.Millisecond, cfg.Storage.BaseDelay)
			require.NotNil(t, cfg.Storage.EnableFallback)
			assert.False(t, *cfg.Storage.EnableFallback)
			assert.Equal(t, []string{"--workflow", "realskin.json"}, cfg.Engine.Args)
			assert.Equal(t, 10*time.Minute, cfg.Engine.Timeout)
			assert.Equal(t, "results", cfg.Upload.KeyPrefix)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("testdata/minimal_worker.yaml")
	require.NoError(t, err)

	assert.Equal(t, DefaultStorageEndpoint, cfg.Storage.Endpoint)
	assert.Equal(t, DefaultStorageRegion, cfg.Storage.Region)
	assert.Equal(t, DefaultStorageBucket, cfg.Storage.Bucket)
	assert.Empty(t, cfg.Storage.AccessKeyID)
	assert.Empty(t, cfg.Storage.SecretAccessKey)
	assert.Equal(t, 3, cfg.Storage.MaxRetries)
	assert.Equal(t, time.Second, cfg.Storage.BaseDelay)
	require.NotNil(t, cfg.Storage.EnableFallback)
	assert.True(t, *cfg.Storage.EnableFallback)

	assert.Equal(t, filepath.Join(DefaultVolumePath, "downloaded_images"), cfg.Cache.Dir)
	assert.Equal(t, []string{
		filepath.Join(DefaultVolumePath, "ComfyUI", "output"),
		filepath.Join(DefaultVolumePath, "outputs"),
	}, cfg.Output.Dirs)

	assert.Equal(t, 15*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, 2, cfg.Janitor.SuccessPasses)
	assert.Equal(t, 4, cfg.Janitor.FailurePasses)
	assert.Equal(t, "enhanced", cfg.Upload.KeyPrefix)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 20*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)

	require.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("B2_ENDPOINT", "s3.eu-central-003.backblazeb2.com")
	t.Setenv("B2_IMAGE_BUCKET_NAME", "prod-images")
	t.Setenv("B2_ACCESS_KEY_ID", "key-id")
	t.Setenv("B2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("ENHANCE_VOLUME_PATH", "/mnt/volume")
	t.Setenv("ENHANCE_DEVICE_URL", "http://comfyui:8188")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "s3.eu-central-003.backblazeb2.com", cfg.Storage.Endpoint)
	assert.Equal(t, "prod-images", cfg.Storage.Bucket)
	assert.Equal(t, "key-id", cfg.Storage.AccessKeyID)
	assert.Equal(t, "secret", cfg.Storage.SecretAccessKey)
	assert.Equal(t, "/mnt/volume", cfg.App.VolumePath)
	assert.Equal(t, filepath.Join("/mnt/volume", "downloaded_images"), cfg.Cache.Dir)
	assert.Equal(t, "http://comfyui:8188", cfg.Janitor.DeviceURL)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "enhance_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "enhance_exchange"},
			Queue:    QueueConfig{Name: "enhance_jobs"},
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			JobTimeout:  20 * time.Minute,
		},
		Storage: StorageConfig{Bucket: "images"},
		Engine: EngineConfig{
			Command: "/opt/engine/run.sh",
			Timeout: 15 * time.Minute,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "invalid database port", mutate: func(c *Config) { c.Database.Port = 0 }, errString: "invalid database port"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "server port not required", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "concurrency"},
		{name: "job timeout below engine timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 10 * time.Minute }, errString: "must exceed engine timeout"},
		{name: "bad metrics port", mutate: func(c *Config) { c.Worker.MetricsPort = 99999 }, errString: "metrics port"},
		{name: "missing engine command", mutate: func(c *Config) { c.Engine.Command = "" }, errString: "engine command is required"},
		{name: "missing bucket", mutate: func(c *Config) { c.Storage.Bucket = "" }, errString: "storage bucket is required"},
		{name: "inverted dimensions", mutate: func(c *Config) { c.Input.MinDimension = 512; c.Input.MaxDimension = 256 }, errString: "min_dimension"},
		{name: "missing queue", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "device url", mutate: func(c *Config) { c.Janitor.DeviceURL = "http://127.0.0.1:8188" }},
		{name: "device url without scheme", mutate: func(c *Config) { c.Janitor.DeviceURL = "127.0.0.1:8188" }, errString: "device_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
