// Package transport is the seam between recovery orchestration and the
// wire. A Sender delivers one request to one node and hands the decoded
// response, or the failure, to a callback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Node identifies a remote peer.
type Node struct {
	ID      string
	Address string
}

func (n Node) String() string {
	if n.Address == "" {
		return n.ID
	}
	return n.ID + "[" + n.Address + "]"
}

// Options tune a single request.
type Options struct {
	Timeout time.Duration
}

// ResponseHandler receives the response value or the delivery failure.
// Exactly one invocation per request.
type ResponseHandler func(resp any, err error)

// Sender delivers a request for the named action to a node.
type Sender interface {
	SendRequest(ctx context.Context, node Node, action string, req any, opts Options, handler ResponseHandler)
}

// RequestHandler executes one action on the receiving node.
type RequestHandler func(ctx context.Context, req any) (any, error)

// ErrUnknownAction is returned when no handler is registered for an action.
var ErrUnknownAction = errors.New("transport: unknown action")

// Local is an in-process Sender dispatching to registered handlers.
// Single-node deployments and tests use it in place of the gRPC transport.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]RequestHandler)}
}

// RegisterHandler installs the handler for an action, replacing any
// previous registration.
func (l *Local) RegisterHandler(action string, handler RequestHandler) {
	l.mu.Lock()
	l.handlers[action] = handler
	l.mu.Unlock()
}

func (l *Local) SendRequest(ctx context.Context, node Node, action string, req any, opts Options, handler ResponseHandler) {
	l.mu.RLock()
	h, ok := l.handlers[action]
	l.mu.RUnlock()

	if !ok {
		handler(nil, fmt.Errorf("%w: %s", ErrUnknownAction, action))
		return
	}

	go func() {
		callCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		resp, err := h(callCtx, req)
		handler(resp, err)
	}()
}
