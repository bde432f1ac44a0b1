package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientConfigs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.User = "enhance"
	cfg.Database.SSLMode = "disable"
	cfg.RabbitMQ.Queue.DeadLetterExchange = "enhance_jobs.dlx"
	cfg.RabbitMQ.Publish = PublishConfig{RetryAttempts: 5, RetryInterval: 200 * time.Millisecond, BackoffMultiplier: 1.5}

	pg := cfg.Database.ClientConfig()
	assert.Equal(t, "localhost", pg.Host)
	assert.Equal(t, "enhance", pg.User)
	assert.Equal(t, "enhance_db", pg.Database)

	rmq := cfg.RabbitMQ.ClientConfig()
	assert.Equal(t, "enhance_jobs", rmq.QueueName)
	assert.Equal(t, "enhance_jobs.dlx", rmq.DeadLetterExchange)
	assert.Equal(t, 5, rmq.PublishRetries)
	assert.Equal(t, 1.5, rmq.PublishBackoffMult)
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	logging := LoggingConfig{Level: "debug", Format: "json", Output: "stdout", NoColor: true}

	got := logging.LoggerConfig("enhance-worker-service", "")
	assert.Equal(t, "stdout", got.Output)
	assert.Equal(t, "enhance-worker-service", got.Service)
	assert.True(t, got.NoColor)

	assert.Equal(t, "stderr", logging.LoggerConfig("svc", "stderr").Output)
}
