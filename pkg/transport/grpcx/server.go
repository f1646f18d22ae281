// Package grpcx carries recovery actions between nodes over gRPC. Requests
// travel in a self-describing JSON envelope through a single unary method,
// avoiding a generated stub per action.
package grpcx

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/recovery"
)

var grpcLog = log.GetLogger("grpc")

const (
	serviceName      = "shoal.recovery.Recovery"
	invokeFullMethod = "/shoal.recovery.Recovery/Invoke"
)

// ServerConfig tunes the recovery server.
type ServerConfig struct {
	NodeID     string
	Address    string
	Reflection bool
}

// Server exposes a recovery.TargetService to remote peers.
type Server struct {
	*grpc.Server
	cfg ServerConfig
	svc recovery.TargetService

	mu  sync.Mutex
	lis net.Listener
}

// NewServer builds the grpc server; call Start to begin serving.
func NewServer(cfg ServerConfig, svc recovery.TargetService) *Server {
	srv := &Server{
		Server: grpc.NewServer(
			grpc.ForceServerCodec(jsonCodec{}),
			grpc.ChainUnaryInterceptor(LogServerInterceptor),
		),
		cfg: cfg,
		svc: svc,
	}
	srv.RegisterService(&serviceDesc, srv)
	return srv
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	grpcLog.Infof("start recovery server on %s", s.cfg.Address)
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	if s.cfg.Reflection {
		grpcLog.Infof("enable grpc reflection")
		reflection.Register(s)
	}
	return s.Serve(lis)
}

// Addr returns the bound listen address, valid once Start has listened.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return s.cfg.Address
	}
	return s.lis.Addr().String()
}

func (s *Server) invoke(ctx context.Context, in *envelope) (*replyEnvelope, error) {
	req, err := recovery.NewRequest(in.Action)
	if err != nil {
		return &replyEnvelope{Error: encodeError(err)}, nil
	}
	if len(in.Body) > 0 {
		if err := json.Unmarshal(in.Body, req); err != nil {
			return &replyEnvelope{Error: encodeError(err)}, nil
		}
	}

	resp, err := recovery.Dispatch(ctx, s.svc, in.Action, req)
	if err != nil {
		return &replyEnvelope{Error: encodeError(err)}, nil
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return &replyEnvelope{Error: encodeError(err)}, nil
	}
	return &replyEnvelope{Body: body}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

type invoker interface {
	invoke(ctx context.Context, in *envelope) (*replyEnvelope, error)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invoker).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(invoker).invoke(ctx, req.(*envelope))
	}
	return interceptor(ctx, in, info, handler)
}
