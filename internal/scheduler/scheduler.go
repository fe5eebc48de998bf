package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"botflow/internal/async"
	"botflow/internal/errs"
	"botflow/internal/logging"
)

// Config holds scheduler configuration.
type Config struct {
	// Workers is the size of the concurrent worker pool.
	Workers int
	// MaxBacklog bounds the number of pending items; Submit fails with
	// CapacityExceeded beyond it. Zero means unbounded.
	MaxBacklog int
	// ActionTimeout is the default deadline applied to each execution.
	// Zero means no deadline.
	ActionTimeout time.Duration
	// Retry governs re-submission of transient execution failures.
	Retry errs.RetryConfig
	// TimeResolution is the granularity at which fire instants are
	// compared; items within the same bucket tie-break by submission
	// sequence. Defaults to one millisecond.
	TimeResolution time.Duration
}

// Scheduler owns the time-ordered ready queue and a fixed pool of workers
// that pop the earliest-due item and run its bound action.
//
// Guarantees:
//   - global dispatch order is (fireAt, priority, submission sequence);
//   - a task ID is never in flight on two workers at once: a due entry for
//     an in-flight ID parks until the running execution returns;
//   - Submit and Cancel never block on action execution.
type Scheduler struct {
	cfg     Config
	logger  logging.Logger
	metrics *Metrics

	mu       sync.Mutex
	queue    readyQueue
	inFlight map[string]context.CancelFunc
	deferred map[string][]*entry // due entries parked behind an in-flight ID
	seq      uint64
	wakeCh   chan struct{}
	closed   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting work that must run.
func New(cfg Config, logger logging.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TimeResolution <= 0 {
		cfg.TimeResolution = time.Millisecond
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		metrics:  defaultMetrics(),
		inFlight: make(map[string]context.CancelFunc),
		deferred: make(map[string][]*entry),
		wakeCh:   make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		go func() {
			defer s.wg.Done()
			defer async.Recover(s.logger, fmt.Sprintf("worker-%d", worker))
			s.run()
		}()
	}
	s.logger.Info("scheduler started with %d workers", s.cfg.Workers)
}

// Stop drains the pool: no new dispatches happen, in-flight actions get
// their contexts cancelled (cooperative) and are awaited until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, cancel := range s.inFlight {
			cancel()
		}
		s.wakeAllLocked()
		s.mu.Unlock()
		close(s.stopCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit inserts a task into the ready queue. Returns CapacityExceeded when
// the backlog is full — the caller must retry later or drop; nothing is
// silently discarded.
func (s *Scheduler) Submit(t *Task) error {
	if t == nil || t.Action == nil {
		return fmt.Errorf("scheduler: task and action are required")
	}
	if t.ID == "" {
		return fmt.Errorf("scheduler: task id is required")
	}

	fireAt := t.FireAt
	if t.Trigger != nil && fireAt.IsZero() {
		next, ok := t.Trigger.Next(time.Now())
		if !ok {
			return fmt.Errorf("scheduler: trigger for task %q is already exhausted", t.Name)
		}
		fireAt = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler: closed")
	}
	if s.cfg.MaxBacklog > 0 && s.backlogLocked() >= s.cfg.MaxBacklog {
		return errs.ErrCapacityExceeded
	}

	s.pushLocked(t, fireAt, 0)
	s.metrics.submitted.Inc()
	s.wakeAllLocked()
	return nil
}

// Cancel removes pending entries for the given task ID and cancels the
// context of an in-flight execution. In-flight work finishes cooperatively:
// the action keeps running unless it honors the cancellation. Returns true
// if anything was found under the ID.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, e := range s.queue {
		if e.task.ID == id && !e.cancelled {
			e.cancelled = true
			found = true
		}
	}
	if parked := s.deferred[id]; len(parked) > 0 {
		delete(s.deferred, id)
		found = true
	}
	if cancel, ok := s.inFlight[id]; ok {
		cancel()
		found = true
	}
	return found
}

// PendingCount returns the number of queued (not in-flight) items.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlogLocked()
}

// InFlightCount returns the number of currently executing items.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// backlogLocked counts queued plus parked entries. Caller holds s.mu.
func (s *Scheduler) backlogLocked() int {
	n := len(s.queue)
	for _, parked := range s.deferred {
		n += len(parked)
	}
	return n
}

// pushLocked inserts a fresh entry for t. Caller holds s.mu.
func (s *Scheduler) pushLocked(t *Task, fireAt time.Time, attempt int) {
	if !fireAt.IsZero() {
		fireAt = fireAt.Truncate(s.cfg.TimeResolution)
	}
	e := &entry{
		task:     t,
		fireAt:   fireAt,
		priority: t.Priority,
		seq:      s.seq,
		attempt:  attempt,
	}
	s.seq++
	heap.Push(&s.queue, e)
	s.metrics.queueDepth.Set(float64(s.backlogLocked()))
}

// wakeAllLocked wakes every parked worker. Caller holds s.mu.
func (s *Scheduler) wakeAllLocked() {
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
}

// run is one worker's loop: park until the earliest item is due, pop it,
// and execute. Workers never spin; they sleep on a timer or on the wake
// channel, whichever comes first.
func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}

		// Drop cancelled heads before looking at the earliest item.
		for len(s.queue) > 0 && s.queue[0].cancelled {
			heap.Pop(&s.queue)
		}
		s.metrics.queueDepth.Set(float64(s.backlogLocked()))

		if len(s.queue) == 0 {
			wake := s.wakeCh
			s.mu.Unlock()
			select {
			case <-wake:
			case <-s.stopCh:
				return
			}
			continue
		}

		head := s.queue[0]
		now := time.Now()
		if head.fireAt.After(now) {
			wake := s.wakeCh
			wait := head.fireAt.Sub(now)
			s.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-wake:
				timer.Stop()
			case <-s.stopCh:
				timer.Stop()
				return
			}
			continue
		}

		e := heap.Pop(&s.queue).(*entry)
		if e.cancelled {
			s.mu.Unlock()
			continue
		}

		id := e.task.ID
		if _, busy := s.inFlight[id]; busy {
			// At-most-one-in-flight: park behind the running execution.
			s.deferred[id] = append(s.deferred[id], e)
			s.mu.Unlock()
			continue
		}

		ctx, cancel := s.executionContext(e.task)
		s.inFlight[id] = cancel
		s.metrics.inFlight.Set(float64(len(s.inFlight)))
		s.mu.Unlock()

		s.execute(ctx, cancel, e)
	}
}

// executionContext builds the context one execution runs under. The task's
// own Timeout wins over the scheduler-wide default; a negative task timeout
// means no deadline at all.
func (s *Scheduler) executionContext(t *Task) (context.Context, context.CancelFunc) {
	timeout := s.cfg.ActionTimeout
	if t.Timeout != 0 {
		timeout = t.Timeout
	}
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// execute runs the entry's action and routes the outcome.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, e *entry) {
	s.metrics.dispatched.Inc()
	s.logger.Debug("dispatching task %q (id=%s attempt=%d)", e.task.Name, e.task.ID, e.attempt)

	err := s.invoke(ctx, e)
	cancel()

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = errs.Timeout(err)
	}

	s.complete(e, err)
}

// invoke calls the action with panic containment: a panicking action is a
// failed action, not a dead worker.
func (s *Scheduler) invoke(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ActionFailed(fmt.Errorf("action panic: %v", r))
		}
	}()
	if err := e.task.Action(ctx); err != nil {
		if errs.KindOf(err) != "" {
			return err
		}
		return errs.ActionFailed(err)
	}
	return nil
}

// complete releases the in-flight marker, unparks any entry waiting on the
// same ID, and applies the retry / re-arm policy.
//
// The marker is released even when the action timed out without honoring
// its context; the action may still be running, which is an accepted
// at-least-once risk for timeout expiry.
func (s *Scheduler) complete(e *entry, err error) {
	id := e.task.ID

	s.mu.Lock()
	delete(s.inFlight, id)
	s.metrics.inFlight.Set(float64(len(s.inFlight)))
	if parked := s.deferred[id]; len(parked) > 0 {
		next := parked[0]
		if len(parked) == 1 {
			delete(s.deferred, id)
		} else {
			s.deferred[id] = parked[1:]
		}
		heap.Push(&s.queue, next)
	}
	s.wakeAllLocked()
	s.mu.Unlock()

	if err == nil {
		s.rearm(e.task)
		return
	}

	if s.cfg.Retry.ShouldRetry(err, e.attempt+1) {
		attempt := e.attempt + 1
		delay := s.cfg.Retry.Backoff(e.attempt)
		s.logger.Warn("task %q failed (attempt %d/%d), retrying in %v: %v",
			e.task.Name, attempt, s.cfg.Retry.MaxAttempts, delay, err)
		s.metrics.retries.Inc()

		s.mu.Lock()
		if !s.closed {
			s.pushLocked(e.task, time.Now().Add(delay), attempt)
			s.wakeAllLocked()
		}
		s.mu.Unlock()
		return
	}

	s.logger.Error("task %q failed permanently: %v", e.task.Name, err)
	s.metrics.failures.WithLabelValues(string(failureKind(err))).Inc()
	if e.task.OnFailure != nil {
		e.task.OnFailure(err)
	}

	// A periodic task survives a failed run: it surfaces the failure and
	// re-arms for the next scheduled instant with a fresh attempt budget.
	s.rearm(e.task)
}

// rearm re-inserts a re-arming task at its trigger's next instant, or drops
// it when the trigger is exhausted.
func (s *Scheduler) rearm(t *Task) {
	if t.Trigger == nil {
		return
	}

	next, ok := t.Trigger.Next(time.Now())
	if !ok {
		s.logger.Debug("task %q trigger exhausted, dropping", t.Name)
		return
	}

	s.mu.Lock()
	if !s.closed {
		// Re-arming bypasses the backlog bound: backpressure applies to
		// new submissions, not to tasks the scheduler already owns.
		s.pushLocked(t, next, 0)
		s.wakeAllLocked()
	}
	s.mu.Unlock()
}

func failureKind(err error) errs.Kind {
	if kind := errs.KindOf(err); kind != "" {
		return kind
	}
	return errs.KindActionFailed
}
