package scheduler

import (
	"testing"
	"time"
)

func TestOnceTriggerFiresExactlyOnce(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := Once(at)

	if trig.Status() != StatusReady {
		t.Fatalf("expected Ready, got %s", trig.Status())
	}

	fireAt, ok := trig.Next(time.Now())
	if !ok {
		t.Fatal("first Next should fire")
	}
	if !fireAt.Equal(at) {
		t.Fatalf("expected %v, got %v", at, fireAt)
	}
	if trig.Status() != StatusCompleted {
		t.Fatalf("expected Completed after firing, got %s", trig.Status())
	}

	// Exhaustion is idempotent: every further call is a no-op false.
	for i := 0; i < 3; i++ {
		if _, ok := trig.Next(time.Now()); ok {
			t.Fatalf("Next after exhaustion fired on call %d", i)
		}
	}
}

func TestIntervalTriggerAdvancesByPeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := EveryFrom(start, time.Minute)

	for i := 1; i <= 3; i++ {
		fireAt, ok := trig.Next(time.Now())
		if !ok {
			t.Fatalf("Next %d should fire", i)
		}
		want := start.Add(time.Duration(i) * time.Minute)
		if !fireAt.Equal(want) {
			t.Fatalf("Next %d: expected %v, got %v", i, want, fireAt)
		}
	}
}

func TestIntervalTriggerRespectsEndBound(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := EveryFrom(start, time.Minute).Until(start.Add(2 * time.Minute))

	if _, ok := trig.Next(time.Now()); !ok {
		t.Fatal("first instant is within the bound")
	}
	if _, ok := trig.Next(time.Now()); !ok {
		t.Fatal("second instant is exactly at the bound")
	}
	if _, ok := trig.Next(time.Now()); ok {
		t.Fatal("third instant is past the bound and must not fire")
	}
	if trig.Status() != StatusCompleted {
		t.Fatalf("expected Completed, got %s", trig.Status())
	}
	if _, ok := trig.Next(time.Now()); ok {
		t.Fatal("exhausted trigger fired again")
	}
}

func TestCronTriggerNextIsStrictlyAfterNow(t *testing.T) {
	trig, err := Cron("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fireAt, ok := trig.Next(now)
	if !ok {
		t.Fatal("expected a next instant")
	}
	if !fireAt.After(now) {
		t.Fatalf("next instant %v is not strictly after %v", fireAt, now)
	}
	if want := now.Add(5 * time.Minute); !fireAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, fireAt)
	}
}

func TestCronTriggerRejectsBadExpression(t *testing.T) {
	if _, err := Cron("not a cron line"); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestCronTriggerEndBoundExhausts(t *testing.T) {
	trig, err := Cron("0 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	trig.Until(now.Add(10 * time.Minute)) // next top of hour is past this

	if _, ok := trig.Next(now); ok {
		t.Fatal("instant past the bound must not fire")
	}
	if _, ok := trig.Next(now); ok {
		t.Fatal("exhausted trigger fired again")
	}
}
