package recovery

import (
	"context"
	"fmt"

	"github.com/shoal-db/shoal/pkg/transport"
)

// TargetService is the node-local implementation of the recovery target.
// Transport servers decode requests and dispatch here.
type TargetService interface {
	PrepareForTranslogOperations(ctx context.Context, req *PrepareTranslogRequest) error
	IndexTranslogOperations(ctx context.Context, req *TranslogOpsRequest) (*TranslogOpsResponse, error)
	ReceiveFileInfo(ctx context.Context, req *FileInfoRequest) error
	WriteFileChunk(ctx context.Context, req *FileChunkRequest) error
	CleanFiles(ctx context.Context, req *CleanFilesRequest) error
	FinalizeRecovery(ctx context.Context, req *FinalizeRequest) error
	HandoffPrimaryContext(ctx context.Context, req *HandoffRequest) error
}

// NewRequest returns an empty request value for the action, for transports
// that decode from the wire.
func NewRequest(action string) (any, error) {
	switch action {
	case ActionPrepareTranslog:
		return &PrepareTranslogRequest{}, nil
	case ActionTranslogOps:
		return &TranslogOpsRequest{}, nil
	case ActionFileInfo:
		return &FileInfoRequest{}, nil
	case ActionFileChunk:
		return &FileChunkRequest{}, nil
	case ActionCleanFiles:
		return &CleanFilesRequest{}, nil
	case ActionFinalize:
		return &FinalizeRequest{}, nil
	case ActionHandoff:
		return &HandoffRequest{}, nil
	}
	return nil, fmt.Errorf("recovery: unknown action %q", action)
}

// NewResponse returns an empty response value for the action.
func NewResponse(action string) (any, error) {
	switch action {
	case ActionTranslogOps:
		return &TranslogOpsResponse{}, nil
	case ActionPrepareTranslog, ActionFileInfo, ActionFileChunk,
		ActionCleanFiles, ActionFinalize, ActionHandoff:
		return &EmptyResponse{}, nil
	}
	return nil, fmt.Errorf("recovery: unknown action %q", action)
}

// Dispatch routes one decoded request to the matching service method.
func Dispatch(ctx context.Context, svc TargetService, action string, req any) (any, error) {
	switch action {
	case ActionPrepareTranslog:
		r, ok := req.(*PrepareTranslogRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.PrepareForTranslogOperations(ctx, r)
	case ActionTranslogOps:
		r, ok := req.(*TranslogOpsRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return svc.IndexTranslogOperations(ctx, r)
	case ActionFileInfo:
		r, ok := req.(*FileInfoRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.ReceiveFileInfo(ctx, r)
	case ActionFileChunk:
		r, ok := req.(*FileChunkRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.WriteFileChunk(ctx, r)
	case ActionCleanFiles:
		r, ok := req.(*CleanFilesRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.CleanFiles(ctx, r)
	case ActionFinalize:
		r, ok := req.(*FinalizeRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.FinalizeRecovery(ctx, r)
	case ActionHandoff:
		r, ok := req.(*HandoffRequest)
		if !ok {
			return nil, badRequest(action, req)
		}
		return &EmptyResponse{}, svc.HandoffPrimaryContext(ctx, r)
	}
	return nil, fmt.Errorf("recovery: unknown action %q", action)
}

// Actions lists every recovery action name.
func Actions() []string {
	return []string{
		ActionPrepareTranslog,
		ActionTranslogOps,
		ActionFileInfo,
		ActionFileChunk,
		ActionCleanFiles,
		ActionFinalize,
		ActionHandoff,
	}
}

// RegisterLocal wires svc into an in-process transport. Delivery failures
// from svc are surfaced as remote failures so retry classification applies
// the same way as over the wire.
func RegisterLocal(l *transport.Local, nodeID string, svc TargetService) {
	for _, action := range Actions() {
		action := action
		l.RegisterHandler(action, func(ctx context.Context, req any) (any, error) {
			resp, err := Dispatch(ctx, svc, action, req)
			if err != nil {
				return nil, &RemoteError{NodeID: nodeID, Action: action, Err: err}
			}
			return resp, nil
		})
	}
}

func badRequest(action string, req any) error {
	return fmt.Errorf("recovery: unexpected request type %T for %s", req, action)
}
