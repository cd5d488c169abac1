package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/llm"
	"github.com/IAlready8/RealMultiLLM-sub007/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Scheduler is the concurrency-bounded admission and execution engine. Tasks
// are admitted in FIFO order into at most `concurrency` running slots; the
// queue is unbounded, so backpressure shows up as queue wait, not rejection.
// A hung provider call holds its slot until the caller-supplied context
// expires - the scheduler imposes no timeout of its own.
type Scheduler struct {
	registry    *Registry
	concurrency int

	mu        sync.Mutex
	running   int
	queue     []*task
	started   int64
	completed int64
}

type task struct {
	ctx        context.Context
	run        func(ctx context.Context) error
	done       chan error
	enqueuedAt time.Time
	started    bool // guarded by Scheduler.mu
}

// SchedulerStats is a point-in-time snapshot of scheduler state.
type SchedulerStats struct {
	Running     int   `json:"running"`
	Queued      int   `json:"queued"`
	Concurrency int   `json:"concurrency"`
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
}

// NewScheduler creates a scheduler over the given registry. Concurrency must
// be at least 1.
func NewScheduler(registry *Registry, concurrency int) (*Scheduler, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be >= 1, got %d", concurrency)
	}
	return &Scheduler{
		registry:    registry,
		concurrency: concurrency,
	}, nil
}

// Invoke runs a non-streaming invocation against the named provider. The
// call blocks until the task completes, but admission is queued: when all
// slots are busy the task waits its turn in FIFO order.
func (s *Scheduler) Invoke(ctx context.Context, providerID string, req *llm.Request) (*llm.Response, error) {
	provider, ok := s.registry.Get(providerID)
	if !ok {
		return nil, &llm.UnknownProviderError{Provider: providerID}
	}

	var resp *llm.Response
	err := s.submit(ctx, func(c context.Context) error {
		r, err := provider.Chat(c, req)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// InvokeStream runs a streaming invocation. The task holds its concurrency
// slot until the provider's Stream call returns, i.e. until the stream is
// fully drained or aborted, not merely until the first chunk.
func (s *Scheduler) InvokeStream(ctx context.Context, providerID string, req *llm.Request, onChunk llm.StreamHandler[llm.StreamChunk]) error {
	provider, ok := s.registry.Get(providerID)
	if !ok {
		return &llm.UnknownProviderError{Provider: providerID}
	}

	return s.submit(ctx, func(c context.Context) error {
		return provider.Stream(c, req, onChunk)
	})
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Running:     s.running,
		Queued:      len(s.queue),
		Concurrency: s.concurrency,
		Started:     s.started,
		Completed:   s.completed,
	}
}

func (s *Scheduler) submit(ctx context.Context, run func(context.Context) error) error {
	t := &task{
		ctx:        ctx,
		run:        run,
		done:       make(chan error, 1),
		enqueuedAt: time.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	metrics.QueuedTasks.Set(float64(len(s.queue)))
	s.mu.Unlock()

	s.drain()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		started := t.started
		s.mu.Unlock()
		if started {
			// The adapter observes the context and returns promptly; waiting
			// here guarantees no callback fires after submit returns.
			<-t.done
		}
		// A task still queued is discarded by drain before it ever consumes
		// a slot.
		return fmt.Errorf("%w: %v", llm.ErrCancelled, ctx.Err())
	}
}

// drain starts queued tasks while capacity remains. It runs after every
// enqueue and every completion; the mutex makes it reentrant-safe, so
// back-to-back completions cannot lose wakeups or double-start a task.
func (s *Scheduler) drain() {
	s.mu.Lock()
	for s.running < s.concurrency && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]

		if t.ctx.Err() != nil {
			// Abandoned while queued; never consumes a slot.
			t.done <- fmt.Errorf("%w while queued: %v", llm.ErrCancelled, t.ctx.Err())
			continue
		}

		s.running++
		s.started++
		t.started = true
		metrics.RunningTasks.Set(float64(s.running))
		go s.execute(t)
	}
	metrics.QueuedTasks.Set(float64(len(s.queue)))
	s.mu.Unlock()
}

func (s *Scheduler) execute(t *task) {
	queueWait := time.Since(t.enqueuedAt)
	if queueWait > time.Second {
		logrus.WithField("queue_wait", queueWait).Debug("Task admitted after long queue wait")
	}

	err := t.run(t.ctx)
	t.done <- err
	s.release()
}

// release gives the slot back and re-drains. A failed task releases exactly
// like a successful one; the scheduler never retries.
func (s *Scheduler) release() {
	s.mu.Lock()
	s.running--
	s.completed++
	corrupted := s.running < 0
	if corrupted {
		s.running = 0
	}
	metrics.RunningTasks.Set(float64(s.running))
	s.mu.Unlock()

	if corrupted {
		logrus.WithError(&llm.SchedulerError{Detail: "running count went negative"}).
			Error("Scheduler state corrupted")
	}

	s.drain()
}
