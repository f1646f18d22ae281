package retry

import (
	"sync"
	"time"
)

// Executor names understood by the default thread pool.
const (
	ExecutorGeneric = "generic"
	ExecutorRetry   = "retry"
)

// Cancellable allows a pending scheduled task to be aborted before it fires.
type Cancellable interface {
	// Cancel reports whether the task was stopped before execution.
	Cancel() bool
}

// Scheduler provides delayed execution on named executors and a monotonic
// clock used for timeout accounting.
type Scheduler interface {
	Schedule(executor string, delay time.Duration, fn func()) Cancellable
	RelativeTimeInNanos() int64
}

// ThreadPool is the default Scheduler. Each named executor owns a bounded
// set of workers fed from a shared queue; unknown executor names fall back
// to the generic executor.
type ThreadPool struct {
	start time.Time

	mu        sync.Mutex
	executors map[string]*executor
	sizes     map[string]int
	stopped   bool
}

// NewThreadPool constructs a pool. sizes maps executor name to worker
// count; executors absent from the map get a single worker.
func NewThreadPool(sizes map[string]int) *ThreadPool {
	p := &ThreadPool{
		start:     time.Now(),
		executors: make(map[string]*executor),
		sizes:     make(map[string]int),
	}
	for name, n := range sizes {
		p.sizes[name] = n
	}
	return p
}

// Schedule runs fn on the named executor after delay. A zero delay submits
// immediately.
func (p *ThreadPool) Schedule(name string, delay time.Duration, fn func()) Cancellable {
	if delay <= 0 {
		p.submit(name, fn)
		return noopCancellable{}
	}
	timer := time.AfterFunc(delay, func() {
		p.submit(name, fn)
	})
	return timerCancellable{timer: timer}
}

// RelativeTimeInNanos returns nanoseconds since pool creation, measured on
// the monotonic clock.
func (p *ThreadPool) RelativeTimeInNanos() int64 {
	return time.Since(p.start).Nanoseconds()
}

// Shutdown stops accepting work and waits for in-flight tasks to drain.
func (p *ThreadPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	executors := make([]*executor, 0, len(p.executors))
	for _, ex := range p.executors {
		executors = append(executors, ex)
	}
	p.mu.Unlock()

	for _, ex := range executors {
		ex.stop()
	}
}

func (p *ThreadPool) submit(name string, fn func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ex, ok := p.executors[name]
	if !ok {
		workers := p.sizes[name]
		if workers <= 0 {
			workers = 1
		}
		ex = newExecutor(workers)
		p.executors[name] = ex
	}
	p.mu.Unlock()

	ex.submit(fn)
}

type executor struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newExecutor(workers int) *executor {
	ex := &executor{
		tasks: make(chan func(), workers*16),
	}
	for i := 0; i < workers; i++ {
		ex.wg.Add(1)
		go func() {
			defer ex.wg.Done()
			for fn := range ex.tasks {
				fn()
			}
		}()
	}
	return ex
}

func (ex *executor) submit(fn func()) {
	ex.mu.Lock()
	if ex.stopped {
		ex.mu.Unlock()
		return
	}
	ex.tasks <- fn
	ex.mu.Unlock()
}

func (ex *executor) stop() {
	ex.mu.Lock()
	if ex.stopped {
		ex.mu.Unlock()
		return
	}
	ex.stopped = true
	close(ex.tasks)
	ex.mu.Unlock()
	ex.wg.Wait()
}

type timerCancellable struct {
	timer *time.Timer
}

func (c timerCancellable) Cancel() bool {
	return c.timer.Stop()
}

type noopCancellable struct{}

func (noopCancellable) Cancel() bool { return false }
