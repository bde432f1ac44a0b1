package config

import (
	"time"

	"github.com/cuongbtq/enhance-worker/shared/logger"
	"github.com/cuongbtq/enhance-worker/shared/postgresql"
	"github.com/cuongbtq/enhance-worker/shared/rabbitmq"
)

// ClientConfig maps the database section onto the shared PostgreSQL client
func (c *DatabaseConfig) ClientConfig() *postgresql.Config {
	return &postgresql.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}

// ClientConfig maps the rabbitmq section onto the shared RabbitMQ client
func (c *RabbitMQConfig) ClientConfig() *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               c.Host,
		Port:               c.Port,
		User:               c.User,
		Password:           c.Password,
		VHost:              c.VHost,
		ExchangeName:       c.Exchange.Name,
		ExchangeType:       c.Exchange.Type,
		ExchangeDurable:    c.Exchange.Durable,
		ExchangeAutoDelete: c.Exchange.AutoDelete,
		QueueName:          c.Queue.Name,
		QueueDurable:       c.Queue.Durable,
		QueueAutoDelete:    c.Queue.AutoDelete,
		QueueExclusive:     c.Queue.Exclusive,
		DeadLetterExchange: c.Queue.DeadLetterExchange,
		RoutingKey:         c.RoutingKey,
		RetryAttempts:      c.Connection.RetryAttempts,
		RetryInterval:      c.Connection.RetryInterval,
		Heartbeat:          c.Connection.Heartbeat,
		ConnectionTimeout:  c.Connection.ConnectionTimeout,
		PublishRetries:     c.Publish.RetryAttempts,
		PublishRetryDelay:  c.Publish.RetryInterval,
		PublishBackoffMult: c.Publish.BackoffMultiplier,
	}
}

// LoggerConfig builds the logger settings for service. An empty output
// override keeps the configured one.
func (c *LoggingConfig) LoggerConfig(service, output string) *logger.Config {
	if output == "" {
		output = c.Output
	}
	return &logger.Config{
		Level:        c.Level,
		Format:       c.Format,
		Output:       output,
		EnableSource: c.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      c.NoColor,
		Service:      service,
	}
}
