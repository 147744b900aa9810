package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/pkg/types"
)

// IngestJob is one batch waiting for an async ingest worker.
type IngestJob struct {
	Batch     types.TurnBatch
	Timestamp time.Time // When the job was queued
	Attempt   int
}

// Start starts the async ingest worker pool.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}
	if e.shuttingDown {
		return fmt.Errorf("engine is shut down")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(ctx)
	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWaitGroup.Add(1)
		go e.ingestWorker(e.workerCtx, i)
	}

	e.started = true
	e.opts.logger.Info("memory engine started", zap.Int("workers", e.config.NumWorkers))
	return nil
}

// Enqueue hands a batch to the worker pool without blocking. It fails with
// ErrNotStarted when the pool is not running and with ErrQueueFull when the
// queue has no room; the caller should then deliver the batch again later.
func (e *MemoryEngine) Enqueue(batch types.TurnBatch) error {
	if _, err := normalizeBatch(batch); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started || e.shuttingDown {
		return ErrNotStarted
	}

	select {
	case e.ingestQueue <- &IngestJob{Batch: batch, Timestamp: e.opts.now()}:
		e.opts.metrics.SetQueueDepth(len(e.ingestQueue))
		return nil
	default:
		e.opts.logger.Warn("ingest queue full, rejecting batch",
			zap.Int("queue_size", e.config.QueueSize),
			zap.String("thread_id", batch.ThreadID))
		return fmt.Errorf("%w (size=%d)", ErrQueueFull, e.config.QueueSize)
	}
}

// QueueLength returns the current number of jobs in the queue.
func (e *MemoryEngine) QueueLength() int {
	return len(e.ingestQueue)
}

// ingestWorker processes jobs until the queue is closed.
func (e *MemoryEngine) ingestWorker(ctx context.Context, workerID int) {
	defer e.workerWaitGroup.Done()
	for job := range e.ingestQueue {
		e.opts.metrics.SetQueueDepth(len(e.ingestQueue))
		e.processIngestJob(ctx, workerID, job)
	}
}

func (e *MemoryEngine) processIngestJob(ctx context.Context, workerID int, job *IngestJob) {
	for {
		// Back off between attempts to let a flapping store or provider recover.
		if job.Attempt > 0 {
			backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond // 100ms, 400ms, 900ms...
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				e.opts.logger.Warn("ingest job abandoned on shutdown",
					zap.Int("worker", workerID),
					zap.String("thread_id", job.Batch.ThreadID))
				return
			}
		}

		result, err := e.Ingest(ctx, job.Batch)
		if err == nil {
			e.listenerMu.RLock()
			cb := e.onIngested
			e.listenerMu.RUnlock()
			if cb != nil {
				cb(result)
			}
			return
		}

		if !IsRetryable(err) || job.Attempt >= e.config.MaxRetries || ctx.Err() != nil {
			e.opts.logger.Error("ingest job failed",
				zap.Int("worker", workerID),
				zap.String("thread_id", job.Batch.ThreadID),
				zap.Int("attempt", job.Attempt+1),
				zap.Error(err))
			return
		}
		job.Attempt++
		e.opts.logger.Warn("retrying ingest job",
			zap.Int("worker", workerID),
			zap.String("thread_id", job.Batch.ThreadID),
			zap.Int("attempt", job.Attempt+1),
			zap.Error(err))
	}
}

// Shutdown stops accepting batches and waits for queued ones to drain, up to
// the configured timeout. Jobs still running when the timeout expires are
// cancelled; their turns are released and can be redelivered.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	e.shuttingDown = true
	close(e.ingestQueue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	timeout := time.NewTimer(e.config.ShutdownTimeout)
	defer timeout.Stop()

	var err error
	select {
	case <-done:
	case <-timeout.C:
		err = fmt.Errorf("shutdown timed out after %v", e.config.ShutdownTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.workerCancel()
	<-done

	e.opts.logger.Info("memory engine stopped")
	return err
}
