package grpcx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/recovery"
)

const (
	srcNodeIDKey = "src-node-id"
	dstNodeIDKey = "dst-node-id"
)

var traceLog = log.GetLogger("trace")

// file chunk payloads generate a lot of bytes of logs, so skip them
func loggableRequest(req any) bool {
	env, ok := req.(*envelope)
	if !ok {
		return true
	}
	return env.Action != recovery.ActionFileChunk
}

func nodeIDsFromMetadata(md metadata.MD, ok bool) (string, string) {
	src := "<unknown>"
	dst := "<unknown>"
	if !ok {
		return src, dst
	}
	if keys := md[srcNodeIDKey]; len(keys) >= 1 {
		src = keys[0]
	}
	if keys := md[dstNodeIDKey]; len(keys) >= 1 {
		dst = keys[0]
	}
	return src, dst
}

func LogServerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	loggable := loggableRequest(req)
	src, dst := nodeIDsFromMetadata(metadata.FromIncomingContext(ctx))

	if loggable {
		traceLog.Debug().Msgf("%s --> %s : %s : %+v", src, dst, info.FullMethod, req)
	}
	resp, err = handler(ctx, req)
	if loggable {
		traceLog.Debug().Msgf("%s <-- %s : %s : %+v", src, dst, info.FullMethod, req)
	}
	return
}

func LogClientInterceptor(ctx context.Context, method string, req, resp any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	loggable := loggableRequest(req)
	src, dst := nodeIDsFromMetadata(metadata.FromOutgoingContext(ctx))

	if loggable {
		traceLog.Debug().Msgf("%s --> %s : %s : %+v", src, dst, method, req)
	}
	err := invoker(ctx, method, req, resp, cc, opts...)
	if loggable {
		traceLog.Debug().Msgf("%s <-- %s : %s : %+v", src, dst, method, req)
	}
	return err
}
