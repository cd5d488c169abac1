// Package persistence implements the analytics recording pipeline on GORM.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/analytics"
	"github.com/sirupsen/logrus"
)

// AsyncRecorder implements analytics.Processor: invocation events are queued
// on a bounded channel and written by a worker pool. Recording is strictly
// best-effort; when the queue is full the event is dropped and counted, the
// submitting invocation is never blocked or failed.
type AsyncRecorder struct {
	repo        analytics.InvocationRepository
	eventChan   chan analytics.InvocationEvent
	workerCount int
	bufferSize  int

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64
	droppedCount   atomic.Int64
}

// NewAsyncRecorder creates a recorder over the given repository.
func NewAsyncRecorder(repo analytics.InvocationRepository, workerCount, bufferSize int) *AsyncRecorder {
	if workerCount <= 0 {
		workerCount = 3
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &AsyncRecorder{
		repo:        repo,
		eventChan:   make(chan analytics.InvocationEvent, bufferSize),
		workerCount: workerCount,
		bufferSize:  bufferSize,
	}
}

// Start launches the worker pool.
func (r *AsyncRecorder) Start(ctx context.Context) error {
	if r.isRunning.Load() {
		return fmt.Errorf("recorder is already running")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.isRunning.Store(true)

	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": r.workerCount,
		"buffer_size":  r.bufferSize,
	}).Info("Analytics recorder started")

	return nil
}

// Stop drains the workers, waiting up to 30 seconds.
func (r *AsyncRecorder) Stop() error {
	if !r.isRunning.Load() {
		return nil
	}

	logrus.Info("Stopping analytics recorder...")

	// Closing the channel is the only stop signal the workers see, so every
	// buffered event is persisted before they exit.
	r.isRunning.Store(false)
	close(r.eventChan)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Analytics recorder stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Analytics recorder stop timed out")
	}

	r.cancel()
	return nil
}

// Record queues an event for asynchronous persistence.
func (r *AsyncRecorder) Record(event analytics.InvocationEvent) error {
	if !r.isRunning.Load() {
		return fmt.Errorf("recorder is not running")
	}

	select {
	case r.eventChan <- event:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("recorder is shutting down")
	default:
		r.droppedCount.Add(1)
		logrus.Warn("Analytics queue is full, dropping event")
		return fmt.Errorf("analytics queue is full")
	}
}

// Health reports the pipeline's counters.
func (r *AsyncRecorder) Health() analytics.ProcessorHealth {
	return analytics.ProcessorHealth{
		IsRunning:      r.isRunning.Load(),
		QueueSize:      len(r.eventChan),
		ProcessedCount: r.processedCount.Load(),
		ErrorCount:     r.errorCount.Load(),
		DroppedCount:   r.droppedCount.Load(),
	}
}

func (r *AsyncRecorder) worker(workerID int) {
	defer r.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Analytics worker started")

	// The loop ends only when the channel is closed and empty, so Stop never
	// abandons buffered events.
	for event := range r.eventChan {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
		if err := r.persist(opCtx, event); err != nil {
			r.errorCount.Add(1)
			logger.WithError(err).Error("Failed to persist invocation event")
		} else {
			r.processedCount.Add(1)
		}
		cancel()
	}

	logger.Debug("Event channel closed, worker stopping")
}

func (r *AsyncRecorder) persist(ctx context.Context, event analytics.InvocationEvent) error {
	record := &analytics.InvocationRecord{
		ID:           event.InvocationID,
		CallerKey:    event.CallerKey,
		Provider:     event.Provider,
		Model:        event.Model,
		IsStreaming:  event.IsStreaming,
		Status:       event.Status,
		TokensUsed:   event.TokensUsed,
		LatencyMs:    event.LatencyMs,
		ErrorMessage: event.ErrorMessage,
	}

	if err := r.repo.Create(ctx, record); err != nil {
		return fmt.Errorf("create invocation record: %w", err)
	}
	return nil
}
