package grpcx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/shoal-db/shoal/pkg/recovery"
	"github.com/shoal-db/shoal/pkg/transport"
)

// Client implements transport.Sender over gRPC, keeping one connection per
// target address.
type Client struct {
	nodeID string

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient constructs a client identifying itself as nodeID.
func NewClient(nodeID string) *Client {
	return &Client{
		nodeID: nodeID,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) SendRequest(ctx context.Context, node transport.Node, action string, req any, opts transport.Options, handler transport.ResponseHandler) {
	go func() {
		resp, err := c.call(ctx, node, action, req, opts)
		handler(resp, err)
	}()
}

func (c *Client) call(ctx context.Context, node transport.Node, action string, req any, opts transport.Options) (any, error) {
	conn, err := c.conn(node)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("grpcx: encode %s request: %w", action, err)
	}

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	callCtx = metadata.AppendToOutgoingContext(callCtx,
		srcNodeIDKey, c.nodeID,
		dstNodeIDKey, node.ID,
	)

	in := &envelope{Action: action, Body: body}
	out := new(replyEnvelope)
	err = conn.Invoke(callCtx, invokeFullMethod, in, out,
		grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, fmt.Errorf("grpcx: %s to %s: %w", action, node, err)
	}

	if out.Error != nil {
		return nil, decodeError(node.ID, action, out.Error)
	}

	resp, err := recovery.NewResponse(action)
	if err != nil {
		return nil, err
	}
	if len(out.Body) > 0 {
		if err := json.Unmarshal(out.Body, resp); err != nil {
			return nil, fmt.Errorf("grpcx: decode %s response: %w", action, err)
		}
	}
	return resp, nil
}

func (c *Client) conn(node transport.Node) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[node.Address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(node.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(LogClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcx: dial %s: %w", node, err)
	}
	c.conns[node.Address] = conn
	return conn, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
