// Package recovery drives one shard's peer-recovery transfer against a
// remote target node: translog preparation and replay, bulk file chunk
// transfer with throttling, cleanup and finalization. Every transport call
// except the primary-context handoff is wrapped in a retryable action so
// transient overload on the target does not fail the whole recovery.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/retry"
	"github.com/shoal-db/shoal/pkg/transport"
)

// ErrRecoveryCancelled is the reason delivered to listeners of in-flight
// actions when the recovery is cancelled.
var ErrRecoveryCancelled = errors.New("recovery was cancelled")

const (
	defaultActionTimeout     = 15 * time.Minute
	defaultInitialRetryDelay = 200 * time.Millisecond
)

// Logger captures structured log output for the handler.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// HandlerConfig identifies one recovery attempt and tunes its behaviour.
// RecoveryID, ShardID and TargetNode are immutable for the attempt.
type HandlerConfig struct {
	RecoveryID string
	ShardID    ShardID
	TargetNode transport.Node

	// ActionTimeout bounds the total retry budget of a single operation.
	ActionTimeout time.Duration
	// InitialRetryDelay is the first backoff step; it doubles per retry.
	InitialRetryDelay time.Duration

	// Limiter throttles chunk bytes. Nil means unthrottled.
	Limiter RateLimiter
	// OnSourceThrottle is invoked with the nanoseconds spent paused before
	// a chunk send. May be nil.
	OnSourceThrottle func(nanos int64)

	Logger Logger
}

// RemoteTargetHandler drives the recovery phases for one shard against one
// target node.
type RemoteTargetHandler struct {
	cfg       HandlerConfig
	sender    transport.Sender
	scheduler retry.Scheduler
	logger    Logger

	bytesSinceLastPause atomic.Int64

	cancelled atomic.Bool
	mu        sync.Mutex
	onGoing   map[string]func(error)
}

// NewRemoteTargetHandler constructs a handler for one recovery attempt.
func NewRemoteTargetHandler(sender transport.Sender, scheduler retry.Scheduler, cfg HandlerConfig) *RemoteTargetHandler {
	if cfg.RecoveryID == "" {
		cfg.RecoveryID = uuid.NewString()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = defaultInitialRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("recovery")
	}
	return &RemoteTargetHandler{
		cfg:       cfg,
		sender:    sender,
		scheduler: scheduler,
		logger:    cfg.Logger,
		onGoing:   make(map[string]func(error)),
	}
}

// RecoveryID returns the identifier of this recovery attempt.
func (h *RemoteTargetHandler) RecoveryID() string { return h.cfg.RecoveryID }

func (h *RemoteTargetHandler) base() baseRequest {
	return baseRequest{RecoveryID: h.cfg.RecoveryID, ShardID: h.cfg.ShardID}
}

// PrepareForTranslogOperations tells the target to get ready to receive
// totalTranslogOps operations.
func (h *RemoteTargetHandler) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int, listener func(error)) {
	req := &PrepareTranslogRequest{baseRequest: h.base(), TotalTranslogOps: totalTranslogOps}
	execute(h, ctx, ActionPrepareTranslog, req, func(_ *EmptyResponse, err error) {
		listener(err)
	})
}

// IndexTranslogOperations ships a batch of translog operations and reports
// the target's resulting local checkpoint.
func (h *RemoteTargetHandler) IndexTranslogOperations(ctx context.Context, req *TranslogOpsRequest, listener func(localCheckpoint int64, err error)) {
	req.baseRequest = h.base()
	execute(h, ctx, ActionTranslogOps, req, func(resp *TranslogOpsResponse, err error) {
		if err != nil {
			listener(0, err)
			return
		}
		listener(resp.LocalCheckpoint, nil)
	})
}

// ReceiveFileInfo announces the file manifest before bulk transfer.
func (h *RemoteTargetHandler) ReceiveFileInfo(ctx context.Context, req *FileInfoRequest, listener func(error)) {
	req.baseRequest = h.base()
	execute(h, ctx, ActionFileInfo, req, func(_ *EmptyResponse, err error) {
		listener(err)
	})
}

// CleanFiles instructs the target to delete files not present in the
// source metadata, validating against the global checkpoint.
func (h *RemoteTargetHandler) CleanFiles(ctx context.Context, sourceFiles map[string]FileMetadata, totalTranslogOps int, globalCheckpoint int64, listener func(error)) {
	req := &CleanFilesRequest{
		baseRequest:      h.base(),
		SourceFiles:      sourceFiles,
		TotalTranslogOps: totalTranslogOps,
		GlobalCheckpoint: globalCheckpoint,
	}
	execute(h, ctx, ActionCleanFiles, req, func(_ *EmptyResponse, err error) {
		listener(err)
	})
}

// FinalizeRecovery informs the target of the final global checkpoint. The
// target trims operations above trimAboveSeqNo.
func (h *RemoteTargetHandler) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64, listener func(error)) {
	req := &FinalizeRequest{
		baseRequest:      h.base(),
		GlobalCheckpoint: globalCheckpoint,
		TrimAboveSeqNo:   trimAboveSeqNo,
	}
	execute(h, ctx, ActionFinalize, req, func(_ *EmptyResponse, err error) {
		listener(err)
	})
}

// HandoffPrimaryContext hands off the primary term and sequence-number
// bookkeeping. It blocks the calling thread and is never retried: a
// failure here is fatal to the recovery.
func (h *RemoteTargetHandler) HandoffPrimaryContext(ctx context.Context, primaryContext PrimaryContext) error {
	req := &HandoffRequest{baseRequest: h.base(), Context: primaryContext}
	done := make(chan error, 1)
	h.sender.SendRequest(ctx, h.cfg.TargetNode, ActionHandoff, req,
		transport.Options{Timeout: h.cfg.ActionTimeout},
		func(_ any, err error) {
			done <- err
		})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteFileChunk transfers one chunk of one file, pacing aggregate
// throughput through the shared rate limiter first.
func (h *RemoteTargetHandler) WriteFileChunk(ctx context.Context, file FileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int, listener func(error)) {
	var throttleTimeNanos int64
	if limiter := h.cfg.Limiter; limiter != nil {
		accumulated := h.bytesSinceLastPause.Add(int64(len(content)))
		if accumulated > limiter.MinPauseCheckBytes() {
			// Subtract the snapshot instead of zeroing so bytes added by
			// concurrent chunk sends keep their fractional overage.
			h.bytesSinceLastPause.Add(-accumulated)
			throttleTimeNanos = limiter.Pause(accumulated).Nanoseconds()
			if throttleTimeNanos > 0 && h.cfg.OnSourceThrottle != nil {
				h.cfg.OnSourceThrottle(throttleTimeNanos)
			}
		}
	}

	req := &FileChunkRequest{
		baseRequest:       h.base(),
		File:              file,
		Position:          position,
		Content:           content,
		LastChunk:         lastChunk,
		TotalTranslogOps:  totalTranslogOps,
		ThrottleTimeNanos: throttleTimeNanos,
	}
	execute(h, ctx, ActionFileChunk, req, func(_ *EmptyResponse, err error) {
		listener(err)
	})
}

// Cancel aborts every in-flight retryable action. The fan-out runs on the
// generic pool so the initiating thread, typically a cluster-state
// applier, is never blocked.
func (h *RemoteTargetHandler) Cancel() {
	h.cancelled.Store(true)
	h.scheduler.Schedule(retry.ExecutorGeneric, 0, func() {
		h.mu.Lock()
		actions := make([]func(error), 0, len(h.onGoing))
		for _, cancel := range h.onGoing {
			actions = append(actions, cancel)
		}
		h.onGoing = make(map[string]func(error))
		h.mu.Unlock()

		for _, cancel := range actions {
			cancel(ErrRecoveryCancelled)
		}
	})
}

// InFlightActions reports the number of registered retryable actions.
func (h *RemoteTargetHandler) InFlightActions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.onGoing)
}

// execute wraps one transport call in a retryable action, registers it for
// cancellation, and delivers the typed response to listener.
func execute[T any](h *RemoteTargetHandler, ctx context.Context, action string, req any, listener func(T, error)) {
	key := uuid.NewString()

	act := retry.New(h.scheduler, retry.Options{
		InitialDelay: h.cfg.InitialRetryDelay,
		Timeout:      h.cfg.ActionTimeout,
		Executor:     retry.ExecutorGeneric,
		Logger:       h.logger,
	}, func(done func(T, error)) {
		h.sender.SendRequest(ctx, h.cfg.TargetNode, action, req,
			transport.Options{Timeout: h.cfg.ActionTimeout},
			func(resp any, err error) {
				var zero T
				if err != nil {
					done(zero, err)
					return
				}
				typed, ok := resp.(T)
				if !ok {
					done(zero, fmt.Errorf("recovery: unexpected response type %T for %s", resp, action))
					return
				}
				done(typed, nil)
			})
	}, retryableError, func(resp T, err error) {
		h.mu.Lock()
		delete(h.onGoing, key)
		h.mu.Unlock()
		listener(resp, err)
	})

	h.mu.Lock()
	h.onGoing[key] = func(reason error) { act.Cancel(reason) }
	h.mu.Unlock()

	// The cancelled flag is checked after registration so a Cancel racing
	// with this call still observes the action through the registry or
	// through the flag, never neither.
	if h.cancelled.Load() {
		act.Cancel(ErrRecoveryCancelled)
		h.mu.Lock()
		delete(h.onGoing, key)
		h.mu.Unlock()
		return
	}

	act.Run()
}
