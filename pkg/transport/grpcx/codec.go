package grpcx

import (
	"encoding/json"
	"fmt"
)

// codecName identifies the JSON codec in grpc content subtype negotiation.
const codecName = "shoal-json"

// jsonCodec marshals request envelopes with encoding/json. The recovery
// service carries opaque per-action bodies, so a self-describing codec is
// used instead of generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcx: decode %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

// envelope frames one recovery action invocation.
type envelope struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// replyEnvelope frames the response. Application-level failures travel in
// Error so the caller can rebuild the typed cause for retry
// classification; grpc status codes would flatten it.
type replyEnvelope struct {
	Body  json.RawMessage `json:"body,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Breaker     string `json:"breaker,omitempty"`
	BytesWanted int64  `json:"bytes_wanted,omitempty"`
	ByteLimit   int64  `json:"byte_limit,omitempty"`
}

const (
	errKindCircuitBreaker = "circuit_breaker"
	errKindRejected       = "rejected"
	errKindSecurity       = "security"
	errKindInternal       = "internal"
)
