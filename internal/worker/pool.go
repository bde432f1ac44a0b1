package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		workerNum := i
		g.Go(func() error {
			w.workerLoop(workerNum)
			return nil
		})
	}
}

// workerLoop processes jobs until the dispatcher closes jobsChan. Jobs are
// not canceled by shutdown; each one is bounded by the job timeout instead.
func (w *Worker) workerLoop(workerNum int) {
	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for j := range w.jobsChan {
		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", j.msg.JobID),
			slog.Uint64("delivery_tag", j.msg.DeliveryTag),
		)

		err := w.processJob(j.msg)

		if err != nil {
			requeue := shouldRequeueJob(err)
			w.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", j.msg.JobID),
				slog.Bool("requeue", requeue),
				slog.Any("error", err),
			)

			if nackErr := j.delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", j.msg.JobID),
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if ackErr := j.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", j.msg.JobID),
				slog.Any("error", ackErr),
			)
		}
	}

	w.logger.Info("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
