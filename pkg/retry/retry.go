// Package retry runs idempotent asynchronous actions with exponential
// backoff until success, a non-retryable failure, cancellation, or an
// overall timeout.
package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shoal-db/shoal/log"
)

// Logger captures structured log output for retry attempts.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ErrCancelled is wrapped into the failure delivered when an action is
// cancelled before completing.
var ErrCancelled = errors.New("retry: action cancelled")

// Error is the terminal failure of an exhausted or non-retryable action.
// Suppressed carries the failures of all prior attempts, oldest first.
type Error struct {
	Err        error
	Suppressed []error
	Attempts   int
	TimedOut   bool
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("retry: timed out after %d attempts: %v", e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Suppressed returns the prior-attempt failures recorded on err, if any.
func Suppressed(err error) []error {
	var re *Error
	if errors.As(err, &re) {
		return re.Suppressed
	}
	return nil
}

// IsCancelled reports whether err is the result of Action.Cancel.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Options configures an Action.
type Options struct {
	// InitialDelay is the wait before the second attempt; it doubles on
	// every subsequent retry with no upper clamp. Only Timeout bounds it.
	InitialDelay time.Duration
	// Timeout is the overall elapsed-time budget measured from Run.
	Timeout time.Duration
	// Executor names the scheduler executor attempts run on.
	Executor string
	Logger   Logger
}

// Action retries a Try closure with exponential backoff. Try must complete
// its done callback exactly once per attempt; ShouldRetry classifies
// attempt failures.
type Action[T any] struct {
	scheduler Scheduler
	opts      Options

	try         func(done func(T, error))
	shouldRetry func(error) bool
	listener    func(T, error)

	startNanos int64

	mu         sync.Mutex
	delay      time.Duration
	attempts   int
	suppressed []error
	finished   bool
	pending    Cancellable
}

// New constructs an Action delivering its terminal result to listener.
func New[T any](scheduler Scheduler, opts Options, try func(done func(T, error)), shouldRetry func(error) bool, listener func(T, error)) *Action[T] {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 200 * time.Millisecond
	}
	if opts.Executor == "" {
		opts.Executor = ExecutorGeneric
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("retry")
	}
	return &Action[T]{
		scheduler:   scheduler,
		opts:        opts,
		try:         try,
		shouldRetry: shouldRetry,
		listener:    listener,
		delay:       opts.InitialDelay,
	}
}

// Run starts the first attempt immediately on the configured executor.
func (a *Action[T]) Run() {
	a.startNanos = a.scheduler.RelativeTimeInNanos()
	a.schedule(0)
}

// Cancel finishes the action with reason and stops any pending attempt.
// After Cancel returns the listener will never observe a non-cancellation
// result.
func (a *Action[T]) Cancel(reason error) {
	if reason == nil {
		reason = errors.New("cancelled")
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	pending := a.pending
	a.pending = nil
	suppressed := a.suppressed
	attempts := a.attempts
	a.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}

	var zero T
	a.listener(zero, &Error{
		Err:        fmt.Errorf("%w: %w", ErrCancelled, reason),
		Suppressed: suppressed,
		Attempts:   attempts,
	})
}

func (a *Action[T]) schedule(delay time.Duration) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	pending := a.scheduler.Schedule(a.opts.Executor, delay, a.attempt)
	a.pending = pending
	a.mu.Unlock()

	// Check again after registering: a Cancel arriving while the handle was
	// being installed must still observe and stop it.
	a.mu.Lock()
	if a.finished && a.pending == pending {
		a.pending = nil
		a.mu.Unlock()
		pending.Cancel()
		return
	}
	a.mu.Unlock()
}

func (a *Action[T]) attempt() {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.pending = nil

	// A retry waking up past the deadline reports the timeout with the
	// last failure instead of trying again.
	elapsed := time.Duration(a.scheduler.RelativeTimeInNanos() - a.startNanos)
	if a.opts.Timeout > 0 && elapsed >= a.opts.Timeout && len(a.suppressed) > 0 {
		last := a.suppressed[len(a.suppressed)-1]
		a.suppressed = a.suppressed[:len(a.suppressed)-1]
		a.mu.Unlock()
		a.opts.Logger.Warnf("retryable action timed out after %s: %v", elapsed, last)
		a.finishFailure(last, true)
		return
	}
	a.attempts++
	a.mu.Unlock()

	a.try(a.onDone)
}

func (a *Action[T]) onDone(resp T, err error) {
	if err == nil {
		a.finish(resp, nil)
		return
	}

	if !a.shouldRetry(err) {
		a.finishFailure(err, false)
		return
	}

	elapsed := time.Duration(a.scheduler.RelativeTimeInNanos() - a.startNanos)
	if a.opts.Timeout > 0 && elapsed >= a.opts.Timeout {
		a.opts.Logger.Warnf("retryable action timed out after %s: %v", elapsed, err)
		a.finishFailure(err, true)
		return
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.suppressed = append(a.suppressed, err)
	delay := a.delay
	a.delay *= 2
	a.mu.Unlock()

	a.opts.Logger.Debugf("retrying action in %s after failure: %v", delay, err)
	a.schedule(delay)
}

func (a *Action[T]) finish(resp T, err error) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	a.mu.Unlock()

	a.listener(resp, err)
}

func (a *Action[T]) finishFailure(err error, timedOut bool) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	suppressed := a.suppressed
	attempts := a.attempts
	a.mu.Unlock()

	var zero T
	a.listener(zero, &Error{
		Err:        err,
		Suppressed: suppressed,
		Attempts:   attempts,
		TimedOut:   timedOut,
	})
}
