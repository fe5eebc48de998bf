package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"botflow/internal/errs"
	"botflow/internal/logging"
	"botflow/internal/scheduler"
)

// captureLogger collects formatted error lines for assertions.
type captureLogger struct {
	logging.Logger

	mu    sync.Mutex
	lines []string
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{Logger: logging.Nop()}
}

func (l *captureLogger) Error(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *captureLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

// fakeChannel records delivered replies.
type fakeChannel struct {
	name string

	mu      sync.Mutex
	replies []Reply
	got     chan Reply
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, got: make(chan Reply, 8)}
}

func (c *fakeChannel) Name() string                { return c.name }
func (c *fakeChannel) Start(context.Context) error { return nil }
func (c *fakeChannel) Stop(context.Context) error  { return nil }

func (c *fakeChannel) Deliver(_ context.Context, r Reply) error {
	c.mu.Lock()
	c.replies = append(c.replies, r)
	c.mu.Unlock()
	c.got <- r
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

func newTestRig(t *testing.T, agent Agent) (*Router, func()) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{
		Workers: 2,
		Retry:   errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logging.Nop())
	sched.Start()

	rt := New(sched, agent, nil, nil, logging.Nop())
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	}
	return rt, stop
}

func TestReplyDeliveredToOriginatingChannel(t *testing.T) {
	rt, stop := newTestRig(t, AgentFunc(func(_ context.Context, msg QueuedMessage) (string, error) {
		return "pong: " + msg.Payload, nil
	}))
	defer stop()

	chA := newFakeChannel("alpha")
	chB := newFakeChannel("beta")
	rt.Register(chA)
	rt.Register(chB)

	if err := rt.OnReceive(context.Background(), "ping", "alpha", "user-7"); err != nil {
		t.Fatalf("OnReceive: %v", err)
	}

	select {
	case reply := <-chA.got:
		if reply.Content != "pong: ping" {
			t.Fatalf("unexpected reply content %q", reply.Content)
		}
		if reply.ReplyToken != "user-7" {
			t.Fatalf("reply token %q, want user-7", reply.ReplyToken)
		}
		if reply.IsError {
			t.Fatal("successful reply flagged as error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived on the originating channel")
	}

	time.Sleep(20 * time.Millisecond)
	if chB.count() != 0 {
		t.Fatal("reply leaked to a channel the message did not come from")
	}
}

func TestAgentFailureSurfacesAsErrorReply(t *testing.T) {
	trace := "panic at internal/llm/client.go:42"
	rt, stop := newTestRig(t, AgentFunc(func(context.Context, QueuedMessage) (string, error) {
		return "", errs.New(errs.KindInvalidState, "agent rejected input", errors.New(trace))
	}))
	defer stop()

	ch := newFakeChannel("alpha")
	rt.Register(ch)

	if err := rt.OnReceive(context.Background(), "hi", "alpha", ""); err != nil {
		t.Fatalf("OnReceive: %v", err)
	}

	select {
	case reply := <-ch.got:
		if !reply.IsError {
			t.Fatal("failure reply not flagged as error")
		}
		if strings.Contains(reply.Content, "client.go") {
			t.Fatalf("failure reply leaks an internal trace: %q", reply.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure reply never arrived")
	}
}

func TestReplyToUnknownChannelIsReported(t *testing.T) {
	sched := scheduler.New(scheduler.Config{
		Workers: 1,
		Retry:   errs.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logging.Nop())
	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	}()

	logger := newCaptureLogger()
	rt := New(sched, EchoAgent{}, nil, nil, logger)
	// No channel registered under "ghost": the reply has nowhere to go and
	// that must surface in the log, not vanish.
	if err := rt.OnReceive(context.Background(), "hi", "ghost", "tok-1"); err != nil {
		t.Fatalf("OnReceive: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !logger.contains(`unknown channel "ghost"`) {
		if time.Now().After(deadline) {
			t.Fatal("undeliverable reply was dropped silently")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOnReceivePropagatesBackpressure(t *testing.T) {
	// Scheduler deliberately not started: the backlog fills and stays full.
	sched := scheduler.New(scheduler.Config{Workers: 1, MaxBacklog: 1}, logging.Nop())
	rt := New(sched, EchoAgent{}, nil, nil, logging.Nop())
	rt.Register(newFakeChannel("alpha"))

	if err := rt.OnReceive(context.Background(), "one", "alpha", ""); err != nil {
		t.Fatalf("first message: %v", err)
	}
	err := rt.OnReceive(context.Background(), "two", "alpha", "")
	if !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestEchoAgentMirrorsPayload(t *testing.T) {
	got, err := EchoAgent{}.Respond(context.Background(), QueuedMessage{Payload: "  hello  "})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "echo: hello" {
		t.Fatalf("got %q", got)
	}
}
