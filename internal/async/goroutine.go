// Package async contains helpers for fire-and-forget goroutines. A panic in
// a guarded goroutine is logged with its stack instead of killing the
// process.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging contract a recovered panic needs.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go launches work on its own goroutine with panic containment. name tags
// the report so the crashing goroutine can be identified in the log.
func Go(logger PanicLogger, name string, work func()) {
	go func() {
		defer Recover(logger, name)
		work()
	}()
}

// Recover is the deferred counterpart of Go for goroutines started by hand,
// e.g. worker pools that manage their own WaitGroup. It must be deferred
// directly, not wrapped in another closure's defer.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		logger.Error("panic in goroutine: %v\n%s", r, debug.Stack())
		return
	}
	logger.Error("panic in goroutine %s: %v\n%s", name, r, debug.Stack())
}
