package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shoal-db/shoal/log"
)

// ErrCapacityNotReduced indicates that capacity constraints remain unmet
// after a janitor run, typically because every candidate was dirty.
var ErrCapacityNotReduced = errors.New("cache janitor: capacity not reduced")

// TriggerReason represents the source motivating a janitor run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic maintenance pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonENOSPC is an emergency triggered by an out-of-space
	// condition on the cache volume.
	TriggerReasonENOSPC TriggerReason = "enospc"
)

// JanitorTrigger describes a request to execute the janitor.
type JanitorTrigger struct {
	Reason TriggerReason
}

// JanitorConfig controls janitor behaviour.
type JanitorConfig struct {
	MaxCacheBytes int64
	CleanInterval time.Duration
}

// JanitorReport summarises a janitor run.
type JanitorReport struct {
	Trigger     JanitorTrigger
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Evicted     []string
	Skipped     int
}

// Janitor keeps the total cached bytes under the configured limit by
// evicting least-recently-used cache files. Dirty files are never
// evicted; the sync cycle has to persist them first.
type Janitor struct {
	cfg     JanitorConfig
	service *Service
	logger  Logger
}

// NewJanitor constructs a janitor over the cache service.
func NewJanitor(cfg JanitorConfig, service *Service, opts ...JanitorOption) (*Janitor, error) {
	if service == nil {
		return nil, errors.New("cache janitor: cache service is required")
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 30 * time.Minute
	}

	j := &Janitor{
		cfg:     cfg,
		service: service,
		logger:  log.GetLogger("cache-janitor"),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = log.GetLogger("cache-janitor")
	}
	return j, nil
}

// JanitorOption customises janitor construction.
type JanitorOption func(*Janitor)

// WithJanitorLogger overrides the default logger.
func WithJanitorLogger(logger Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = logger
	}
}

// RunOnce executes a single janitor pass for the provided trigger.
func (j *Janitor) RunOnce(ctx context.Context, trigger JanitorTrigger) (JanitorReport, error) {
	report := JanitorReport{Trigger: trigger}

	candidates := j.candidatesLRU()
	usage := j.service.TotalCachedBytes()
	report.TotalBefore = usage

	limit := j.cfg.MaxCacheBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}
	if trigger.Reason == TriggerReasonENOSPC {
		// out of space on the volume: shed everything evictable
		limit = 0
	}

	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if usage <= limit {
			break
		}
		if f.NeedsFsync() {
			report.Skipped++
			continue
		}

		freed := f.CachedBytes()
		if err := j.service.RemoveFromCache(f.Key()); err != nil {
			j.logger.Errorf("janitor: evict %s failed: %v", f.Key().ID(), err)
			continue
		}

		usage -= freed
		if usage < 0 {
			usage = 0
		}
		report.BytesFreed += freed
		report.Evicted = append(report.Evicted, f.Key().ID())
	}

	report.TotalAfter = usage
	if usage > limit {
		return report, fmt.Errorf("%w: %d bytes over limit, %d dirty files skipped",
			ErrCapacityNotReduced, usage-limit, report.Skipped)
	}
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
// Triggers received on the channel run immediately.
func (j *Janitor) RunBackground(ctx context.Context, triggers <-chan JanitorTrigger) error {
	ticker := time.NewTicker(j.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx, JanitorTrigger{Reason: TriggerReasonMaintenance}); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				j.logger.Warnf("janitor maintenance run failed: %v", err)
			}
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := j.RunOnce(ctx, trigger); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				j.logger.Warnf("janitor trigger %s failed: %v", trigger.Reason, err)
			}
		}
	}
}

// candidatesLRU snapshots the registered files ordered by last access,
// oldest first.
func (j *Janitor) candidatesLRU() []*CacheFile {
	j.service.mu.Lock()
	files := make([]*CacheFile, 0, len(j.service.registry))
	for _, f := range j.service.registry {
		files = append(files, f)
	}
	j.service.mu.Unlock()

	sort.Slice(files, func(a, b int) bool {
		return files[a].LastAccessNanos() < files[b].LastAccessNanos()
	})
	return files
}
