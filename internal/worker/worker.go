package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the
// delivery channel.
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// JobStore is the persistence the worker needs around a job run
type JobStore interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.JobRecord, error)
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	RecordResult(ctx context.Context, resp *domain.Response) error
}

// Runner executes one enhancement job to a terminal response
type Runner interface {
	Run(ctx context.Context, jobID string, req *domain.Request) *domain.Response
}

// Consumer delivers job messages from the queue
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes job messages and runs them through the enhancement pipeline
type Worker struct {
	logger            *slog.Logger
	store             JobStore
	runner            Runner
	consumer          Consumer
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobsChan          chan *job
}

// job pairs a parsed message with the delivery it must be settled on
type job struct {
	msg      *domain.JobMessage
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config, store JobStore, runner Runner, consumer Consumer, logger *slog.Logger) (*Worker, error) {
	if store == nil || runner == nil || consumer == nil {
		return nil, fmt.Errorf("worker requires a job store, runner and consumer")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 20 * time.Minute
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            logger,
		store:             store,
		runner:            runner,
		consumer:          consumer,
		workerID:          cfg.WorkerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        jobTimeout,
		heartbeatInterval: heartbeat,
		jobsChan:          make(chan *job),
	}, nil
}

// Start consumes and processes jobs until ctx is canceled or the delivery
// channel closes. Jobs already handed to the pool run to completion before
// Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(w.jobsChan)
		return w.startMessageDispatcher(gctx, deliveries)
	})
	w.spawnWorkerPool(g)

	err = g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return err
}
