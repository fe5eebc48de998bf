package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Status reports whether a trigger can still fire.
type Status string

const (
	StatusReady     Status = "Ready"
	StatusCompleted Status = "Completed"
)

// Trigger computes the next instant a task should fire. A trigger is owned
// exclusively by the task holding it and is never shared across goroutines.
//
// Next advances the trigger by exactly one step and returns the new instant.
// ok=false means the trigger is exhausted; once exhausted, every further
// call returns ok=false with no side effects.
type Trigger interface {
	Next(now time.Time) (fireAt time.Time, ok bool)
	Status() Status
}

// OnceTrigger fires exactly once at a fixed instant.
type OnceTrigger struct {
	at   time.Time
	done bool
}

// Once returns a trigger that fires at the given instant.
func Once(at time.Time) *OnceTrigger {
	return &OnceTrigger{at: at}
}

func (t *OnceTrigger) Next(time.Time) (time.Time, bool) {
	if t.done {
		return time.Time{}, false
	}
	t.done = true
	return t.at, true
}

func (t *OnceTrigger) Status() Status {
	if t.done {
		return StatusCompleted
	}
	return StatusReady
}

// IntervalTrigger fires at a fixed period, optionally until an end bound.
type IntervalTrigger struct {
	fireAt time.Time
	period time.Duration
	endAt  time.Time
	done   bool
}

// Every returns a trigger firing every period, starting one period from now.
func Every(period time.Duration) *IntervalTrigger {
	return &IntervalTrigger{fireAt: time.Now(), period: period}
}

// EveryFrom returns a trigger firing every period, starting one period
// after start.
func EveryFrom(start time.Time, period time.Duration) *IntervalTrigger {
	return &IntervalTrigger{fireAt: start, period: period}
}

// Until bounds the trigger: a computed instant past end exhausts it.
func (t *IntervalTrigger) Until(end time.Time) *IntervalTrigger {
	t.endAt = end
	return t
}

func (t *IntervalTrigger) Next(time.Time) (time.Time, bool) {
	if t.done {
		return time.Time{}, false
	}

	next := t.fireAt.Add(t.period)
	if !t.endAt.IsZero() && next.After(t.endAt) {
		t.done = true
		return time.Time{}, false
	}

	t.fireAt = next
	return next, true
}

func (t *IntervalTrigger) Status() Status {
	if t.done {
		return StatusCompleted
	}
	return StatusReady
}

// CronTrigger fires at instants matching a cron expression (standard
// five-field form: minute hour dom month dow).
type CronTrigger struct {
	schedule cron.Schedule
	expr     string
	endAt    time.Time
	done     bool
}

// Cron parses expr and returns a recurring trigger.
func Cron(expr string) (*CronTrigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &CronTrigger{schedule: schedule, expr: expr}, nil
}

// Until bounds the trigger: a computed instant past end exhausts it.
func (t *CronTrigger) Until(end time.Time) *CronTrigger {
	t.endAt = end
	return t
}

// Next returns the next matching instant strictly after now.
func (t *CronTrigger) Next(now time.Time) (time.Time, bool) {
	if t.done {
		return time.Time{}, false
	}

	next := t.schedule.Next(now)
	if next.IsZero() || (!t.endAt.IsZero() && next.After(t.endAt)) {
		t.done = true
		return time.Time{}, false
	}

	return next, true
}

func (t *CronTrigger) Status() Status {
	if t.done {
		return StatusCompleted
	}
	return StatusReady
}

// Expression returns the original cron expression.
func (t *CronTrigger) Expression() string {
	return t.expr
}
