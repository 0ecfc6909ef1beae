package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PersistJob is one durable write executed by the queue worker.
type PersistJob struct {
	Kind      string
	DeviceID  string
	SessionID string
	Write     func(ctx context.Context) error
}

// PersistQueue performs durable writes off the ingestion path. Jobs run one at a
// time in enqueue order and are retried with linear backoff.
type PersistQueue struct {
	jobs         chan *PersistJob
	maxRetries   int
	backoff      time.Duration
	writeTimeout time.Duration
	metrics      *Metrics
	logger       *zap.Logger
	shutdownChan chan bool
}

// NewPersistQueue creates a queue holding up to size pending jobs.
func NewPersistQueue(size, maxRetries int, metrics *Metrics, logger *zap.Logger) *PersistQueue {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &PersistQueue{
		jobs:         make(chan *PersistJob, size),
		maxRetries:   maxRetries,
		backoff:      time.Second,
		writeTimeout: 10 * time.Second,
		metrics:      metrics,
		logger:       logger,
		shutdownChan: make(chan bool, 1),
	}
}

// Enqueue adds a job without blocking. A full queue drops the job.
func (q *PersistQueue) Enqueue(job *PersistJob) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		q.metrics.MessageDropped(DropPersistFull)
		q.logger.Error("Persist queue full, dropping write",
			zap.String("kind", job.Kind),
			zap.String("device_id", job.DeviceID),
			zap.String("session_id", job.SessionID),
			zap.Int("queue_size", cap(q.jobs)))
		return false
	}
}

// Submit adds a job, waiting for room until ctx is done.
func (q *PersistQueue) Submit(ctx context.Context, job *PersistJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of pending jobs.
func (q *PersistQueue) Len() int {
	return len(q.jobs)
}

// Start runs the worker until ctx is cancelled, then drains what is left.
func (q *PersistQueue) Start(ctx context.Context) {
	q.logger.Info("Starting persist queue",
		zap.Int("queue_size", cap(q.jobs)),
		zap.Int("max_retries", q.maxRetries))

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Persist queue received shutdown signal",
				zap.Int("pending", len(q.jobs)))
			q.Drain(context.Background())
			q.shutdownChan <- true
			return

		case job := <-q.jobs:
			q.run(ctx, job)
		}
	}
}

// Drain runs every pending job synchronously.
func (q *PersistQueue) Drain(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			q.run(ctx, job)
		default:
			return
		}
	}
}

func (q *PersistQueue) run(ctx context.Context, job *PersistJob) {
	var err error

	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.writeTimeout)
		err = job.Write(writeCtx)
		cancel()

		if err == nil {
			q.metrics.PersistWrite(true)
			q.logger.Debug("Persisted write",
				zap.String("kind", job.Kind),
				zap.String("device_id", job.DeviceID),
				zap.String("session_id", job.SessionID))
			return
		}

		q.metrics.PersistWrite(false)
		q.logger.Error("Failed to persist write",
			zap.String("kind", job.Kind),
			zap.String("device_id", job.DeviceID),
			zap.String("session_id", job.SessionID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", q.maxRetries),
			zap.Error(err))

		if errors.Is(err, ErrSessionNotFound) {
			break
		}

		if attempt < q.maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * q.backoff):
			case <-ctx.Done():
				// keep retrying without delay while draining on shutdown
			}
		}
	}

	q.metrics.MessageDropped(DropPersistFailed)
	q.logger.Error("Failed to persist write after all retries, data lost",
		zap.String("kind", job.Kind),
		zap.String("device_id", job.DeviceID),
		zap.String("session_id", job.SessionID),
		zap.Error(err))
}

// WaitForShutdown waits for the worker to finish draining.
func (q *PersistQueue) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-q.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}
