package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botflow/internal/errs"
	"botflow/internal/logging"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg, logging.Nop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatchOrderFIFOAtEqualFireTime(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	record := func(name string) Action {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
			return nil
		}
	}

	base := time.Now().Add(30 * time.Millisecond)

	first := NewTask("first", record("first"))
	first.FireAt = base
	second := NewTask("second", record("second"))
	second.FireAt = base
	third := NewTask("third", record("third"))
	third.FireAt = base.Add(5 * time.Millisecond)

	for _, task := range []*Task{first, second, third} {
		if err := s.Submit(task); err != nil {
			t.Fatalf("submit %s: %v", task.Name, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatches")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestSubmitBackpressure(t *testing.T) {
	// No Start: nothing drains, so the backlog fills deterministically.
	s := New(Config{Workers: 1, MaxBacklog: 2}, logging.Nop())

	noop := func(context.Context) error { return nil }
	if err := s.Submit(NewTask("a", noop)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(NewTask("b", noop)); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	err := s.Submit(NewTask("c", noop))
	if !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if s.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", s.PendingCount())
	}
}

func TestAtMostOneInFlightPerTaskID(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 4})

	var current, maxSeen int64
	done := make(chan struct{}, 2)

	task := &Task{
		ID:   "shared-id",
		Name: "dup",
		Action: func(context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				seen := atomic.LoadInt64(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt64(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			done <- struct{}{}
			return nil
		},
	}

	if err := s.Submit(task); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(task); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for executions")
		}
	}

	if got := atomic.LoadInt64(&maxSeen); got != 1 {
		t.Fatalf("task ID ran %d executions concurrently, want 1", got)
	}
}

func TestTransientFailureRetriesThenSurfaces(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers: 1,
		Retry:   errs.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})

	var invocations int64
	failed := make(chan error, 1)

	task := NewTask("flaky", func(context.Context) error {
		atomic.AddInt64(&invocations, 1)
		return errors.New("downstream unavailable")
	})
	task.OnFailure = func(err error) { failed <- err }

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-failed:
		if errs.KindOf(err) != errs.KindActionFailed {
			t.Fatalf("expected action_failed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("final failure never surfaced")
	}

	if got := atomic.LoadInt64(&invocations); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestNonTransientFailureSurfacesImmediately(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers: 1,
		Retry:   errs.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})

	var invocations int64
	failed := make(chan error, 1)

	task := NewTask("illegal", func(context.Context) error {
		atomic.AddInt64(&invocations, 1)
		return errs.New(errs.KindInvalidState, "not allowed", nil)
	})
	task.OnFailure = func(err error) { failed <- err }

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-failed:
		if errs.KindOf(err) != errs.KindInvalidState {
			t.Fatalf("expected invalid_state, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure never surfaced")
	}

	if got := atomic.LoadInt64(&invocations); got != 1 {
		t.Fatalf("non-transient failure was retried: %d attempts", got)
	}
}

func TestTimeoutSurfacesAsExecutionTimeout(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers:       1,
		ActionTimeout: 10 * time.Millisecond,
		Retry:         errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	failed := make(chan error, 1)
	task := NewTask("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task.OnFailure = func(err error) { failed <- err }

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-failed:
		if errs.KindOf(err) != errs.KindExecutionTimeout {
			t.Fatalf("expected execution_timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never surfaced")
	}
}

func TestTaskTimeoutOverridesDefault(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers:       2,
		ActionTimeout: 10 * time.Millisecond,
		Retry:         errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	outcome := make(chan error, 1)

	// Longer per-task deadline: the action outlives the scheduler-wide
	// timeout and still finishes cleanly.
	patient := NewTask("patient", func(ctx context.Context) error {
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(40 * time.Millisecond):
		}
		outcome <- err
		return err
	})
	patient.Timeout = 500 * time.Millisecond

	if err := s.Submit(patient); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case err := <-outcome:
		if err != nil {
			t.Fatalf("per-task deadline not honored: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action never finished")
	}
}

func TestTaskNoTimeoutRemovesDeadline(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers:       1,
		ActionTimeout: 10 * time.Millisecond,
		Retry:         errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	hasDeadline := make(chan bool, 1)
	unbounded := NewTask("unbounded", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		hasDeadline <- ok
		return nil
	})
	unbounded.Timeout = NoTimeout

	if err := s.Submit(unbounded); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case ok := <-hasDeadline:
		if ok {
			t.Fatal("NoTimeout task still carries a deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action never ran")
	}
}

func TestCancelPendingTask(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1})

	var ran int64
	task := NewTask("later", func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	task.FireAt = time.Now().Add(time.Hour)

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !s.Cancel(task.ID) {
		t.Fatal("Cancel should find the pending entry")
	}
	if s.Cancel("no-such-id") {
		t.Fatal("Cancel of an unknown id should report false")
	}

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt64(&ran) != 0 {
		t.Fatal("cancelled task executed")
	}
}

func TestPeriodicTaskRearmsUntilExhausted(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 2})

	var runs int64
	start := time.Now()
	trig := EveryFrom(start, 10*time.Millisecond).Until(start.Add(35 * time.Millisecond))

	task := NewTriggeredTask("tick", trig, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Three instants fit inside the bound regardless of execution delays:
	// the trigger advances from its own stored instant, not the wall clock.
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&runs) == 3
	}, "periodic task did not complete all bounded runs")

	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Fatalf("exhausted trigger kept firing: %d runs", got)
	}
}

func TestPeriodicTaskSurvivesFailedRun(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers: 1,
		Retry:   errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	var runs int64
	start := time.Now()
	trig := EveryFrom(start, 10*time.Millisecond).Until(start.Add(25 * time.Millisecond))

	task := NewTriggeredTask("tick-fail", trig, func(context.Context) error {
		if atomic.AddInt64(&runs, 1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	})

	if err := s.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&runs) == 2
	}, "periodic task did not re-arm after a failed run")
}
