// Package failsafe recovers the cache from out-of-space conditions. The
// janitor never evicts dirty files, so recovery first flushes the sync
// cycle to maximise the evictable set, then sheds cached data.
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/cache"
)

// ErrRecoveryFailed indicates eviction could not reclaim space and manual
// intervention is required.
var ErrRecoveryFailed = errors.New("cache failsafe: recovery failed")

// ErrRecoveryInProgress signals that a recovery sequence is already underway.
var ErrRecoveryInProgress = errors.New("cache failsafe: recovery in progress")

// Logger defines the logging surface used by the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Janitor executes cache eviction when instructed by the monitor.
type Janitor interface {
	RunOnce(ctx context.Context, trigger cache.JanitorTrigger) (cache.JanitorReport, error)
}

// Synchronizer flushes dirty cache files so they become evictable.
type Synchronizer interface {
	SynchronizeCache() error
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor coordinates out-of-space recovery: flush the dirty set, then run
// an emergency eviction pass. Concurrent recovery requests coalesce into
// one.
type Monitor struct {
	janitor Janitor
	syncer  Synchronizer
	logger  Logger

	mu         sync.Mutex
	recovering bool
}

// NewMonitor constructs a Monitor instance.
func NewMonitor(janitor Janitor, syncer Synchronizer, opts ...Option) (*Monitor, error) {
	if janitor == nil {
		return nil, errors.New("cache failsafe: janitor is required")
	}
	if syncer == nil {
		return nil, errors.New("cache failsafe: synchronizer is required")
	}

	m := &Monitor{
		janitor: janitor,
		syncer:  syncer,
		logger:  log.GetLogger("cache-failsafe"),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = log.GetLogger("cache-failsafe")
	}

	return m, nil
}

// HandleENOSPC attempts to recover from an out-of-space event.
func (m *Monitor) HandleENOSPC(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.beginRecovery() {
		return ErrRecoveryInProgress
	}
	defer m.endRecovery()

	// A failed flush is not fatal here: whatever did sync is now
	// evictable, and the janitor skips the rest.
	if err := m.syncer.SynchronizeCache(); err != nil {
		m.logger.Warnf("failsafe: flush before eviction failed: %v", err)
	}

	report, err := m.janitor.RunOnce(ctx, cache.JanitorTrigger{Reason: cache.TriggerReasonENOSPC})
	if err != nil {
		if errors.Is(err, cache.ErrCapacityNotReduced) {
			return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}
		return fmt.Errorf("cache failsafe: eviction run: %w", err)
	}

	m.logger.Infof("failsafe: out-of-space recovery completed, freed %d bytes", report.BytesFreed)
	return nil
}

func (m *Monitor) beginRecovery() bool {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return false
	}
	m.recovering = true
	m.mu.Unlock()
	return true
}

func (m *Monitor) endRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}
