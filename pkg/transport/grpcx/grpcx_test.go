package grpcx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoal-db/shoal/pkg/recovery"
	"github.com/shoal-db/shoal/pkg/transport"
)

// flakyTarget fails scripted actions before succeeding, to exercise error
// transport across the wire.
type flakyTarget struct {
	mu       sync.Mutex
	prepared int
	failures map[string][]error
	chunks   []*recovery.FileChunkRequest
}

func newFlakyTarget() *flakyTarget {
	return &flakyTarget{failures: make(map[string][]error)}
}

func (f *flakyTarget) preparedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared
}

func (f *flakyTarget) receivedChunks() []*recovery.FileChunkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*recovery.FileChunkRequest, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func (f *flakyTarget) popFailure(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pending := f.failures[action]; len(pending) > 0 {
		err := pending[0]
		f.failures[action] = pending[1:]
		return err
	}
	return nil
}

func (f *flakyTarget) PrepareForTranslogOperations(ctx context.Context, req *recovery.PrepareTranslogRequest) error {
	if err := f.popFailure(recovery.ActionPrepareTranslog); err != nil {
		return err
	}
	f.mu.Lock()
	f.prepared++
	f.mu.Unlock()
	return nil
}

func (f *flakyTarget) IndexTranslogOperations(ctx context.Context, req *recovery.TranslogOpsRequest) (*recovery.TranslogOpsResponse, error) {
	var checkpoint int64 = recovery.SeqNoUnassigned
	for _, op := range req.Operations {
		if op.SeqNo > checkpoint {
			checkpoint = op.SeqNo
		}
	}
	return &recovery.TranslogOpsResponse{LocalCheckpoint: checkpoint}, nil
}

func (f *flakyTarget) ReceiveFileInfo(ctx context.Context, req *recovery.FileInfoRequest) error {
	return f.popFailure(recovery.ActionFileInfo)
}

func (f *flakyTarget) WriteFileChunk(ctx context.Context, req *recovery.FileChunkRequest) error {
	f.mu.Lock()
	f.chunks = append(f.chunks, req)
	f.mu.Unlock()
	return nil
}

func (f *flakyTarget) CleanFiles(ctx context.Context, req *recovery.CleanFilesRequest) error {
	return nil
}

func (f *flakyTarget) FinalizeRecovery(ctx context.Context, req *recovery.FinalizeRequest) error {
	return f.popFailure(recovery.ActionFinalize)
}

func (f *flakyTarget) HandoffPrimaryContext(ctx context.Context, req *recovery.HandoffRequest) error {
	return nil
}

func startTestServer(t *testing.T, svc recovery.TargetService) (*Server, transport.Node) {
	t.Helper()

	server := NewServer(ServerConfig{NodeID: "target", Address: "127.0.0.1:0"}, svc)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()
	t.Cleanup(func() {
		server.Stop()
		<-serveErr
	})

	// Wait for the listener to bind so the address is routable.
	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server, transport.Node{ID: "target", Address: server.Addr()}
}

func sendSync(t *testing.T, c *Client, node transport.Node, action string, req any) (any, error) {
	t.Helper()

	type outcome struct {
		resp any
		err  error
	}
	done := make(chan outcome, 1)
	c.SendRequest(context.Background(), node, action, req, transport.Options{Timeout: 5 * time.Second},
		func(resp any, err error) {
			done <- outcome{resp: resp, err: err}
		})
	select {
	case out := <-done:
		return out.resp, out.err
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", action)
		return nil, nil
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	target := newFlakyTarget()
	_, node := startTestServer(t, target)

	client := NewClient("source")
	defer client.Close()

	resp, err := sendSync(t, client, node, recovery.ActionPrepareTranslog,
		&recovery.PrepareTranslogRequest{TotalTranslogOps: 3})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if _, ok := resp.(*recovery.EmptyResponse); !ok {
		t.Fatalf("unexpected response type %T", resp)
	}
	if got := target.preparedCount(); got != 1 {
		t.Fatalf("expected target prepared once, got %d", got)
	}

	resp, err = sendSync(t, client, node, recovery.ActionTranslogOps,
		&recovery.TranslogOpsRequest{Operations: []recovery.Operation{{SeqNo: 11, Source: []byte("doc")}}})
	if err != nil {
		t.Fatalf("translog batch failed: %v", err)
	}
	typed, ok := resp.(*recovery.TranslogOpsResponse)
	if !ok {
		t.Fatalf("unexpected response type %T", resp)
	}
	if typed.LocalCheckpoint != 11 {
		t.Fatalf("expected checkpoint 11, got %d", typed.LocalCheckpoint)
	}

	content := []byte{1, 2, 3, 4}
	_, err = sendSync(t, client, node, recovery.ActionFileChunk, &recovery.FileChunkRequest{
		File:      recovery.FileMetadata{Name: "seg_1", Length: 4},
		Content:   content,
		LastChunk: true,
	})
	if err != nil {
		t.Fatalf("chunk failed: %v", err)
	}
	chunks := target.receivedChunks()
	if len(chunks) != 1 || string(chunks[0].Content) != string(content) {
		t.Fatalf("chunk payload did not survive the wire: %+v", chunks)
	}
}

func TestTypedErrorsSurviveTheWire(t *testing.T) {
	target := newFlakyTarget()
	target.failures[recovery.ActionPrepareTranslog] = []error{
		&recovery.CircuitBreakerError{Breaker: "request", BytesWanted: 512, ByteLimit: 256},
	}
	target.failures[recovery.ActionFileInfo] = []error{
		&recovery.RejectedError{Reason: "queue full"},
	}
	target.failures[recovery.ActionFinalize] = []error{
		&recovery.SecurityError{Reason: "expired token"},
	}
	_, node := startTestServer(t, target)

	client := NewClient("source")
	defer client.Close()

	_, err := sendSync(t, client, node, recovery.ActionPrepareTranslog, &recovery.PrepareTranslogRequest{})
	var breaker *recovery.CircuitBreakerError
	if !errors.As(err, &breaker) {
		t.Fatalf("expected circuit breaker failure, got %v", err)
	}
	if breaker.Breaker != "request" || breaker.BytesWanted != 512 || breaker.ByteLimit != 256 {
		t.Fatalf("breaker details lost on the wire: %+v", breaker)
	}
	var remote *recovery.RemoteError
	if !errors.As(err, &remote) || remote.NodeID != "target" {
		t.Fatalf("expected remote wrapper with node id, got %v", err)
	}

	_, err = sendSync(t, client, node, recovery.ActionFileInfo, &recovery.FileInfoRequest{})
	var rejected *recovery.RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "queue full" {
		t.Fatalf("expected rejection failure, got %v", err)
	}

	_, err = sendSync(t, client, node, recovery.ActionFinalize, &recovery.FinalizeRequest{})
	var security *recovery.SecurityError
	if !errors.As(err, &security) || security.Reason != "expired token" {
		t.Fatalf("expected security failure, got %v", err)
	}
}

func TestUnknownActionFailsCleanly(t *testing.T) {
	_, node := startTestServer(t, newFlakyTarget())

	client := NewClient("source")
	defer client.Close()

	_, err := sendSync(t, client, node, "recovery/not_a_thing", &recovery.PrepareTranslogRequest{})
	if err == nil {
		t.Fatalf("expected unknown action to fail")
	}
}
