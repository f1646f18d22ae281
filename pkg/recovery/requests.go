package recovery

import "strconv"

// Action names dispatched over the transport. One per recovery phase.
const (
	ActionPrepareTranslog = "recovery/prepare_translog"
	ActionTranslogOps     = "recovery/translog_ops"
	ActionFileInfo        = "recovery/file_info"
	ActionFileChunk       = "recovery/file_chunk"
	ActionCleanFiles      = "recovery/clean_files"
	ActionFinalize        = "recovery/finalize"
	ActionHandoff         = "recovery/handoff_primary_context"
)

// ShardID names one shard of one index.
type ShardID struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
}

func (s ShardID) String() string {
	return s.Index + "/" + strconv.Itoa(s.Shard)
}

// FileMetadata describes one store file offered for transfer.
type FileMetadata struct {
	Name     string `json:"name"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
}

// Operation is one translog entry replayed to the target.
type Operation struct {
	SeqNo       int64  `json:"seq_no"`
	PrimaryTerm int64  `json:"primary_term"`
	Source      []byte `json:"source"`
}

// PrimaryContext carries the primary term and in-sync sequence-number
// bookkeeping handed off when the target becomes the new primary.
type PrimaryContext struct {
	PrimaryTerm      int64            `json:"primary_term"`
	GlobalCheckpoint int64            `json:"global_checkpoint"`
	LocalCheckpoints map[string]int64 `json:"local_checkpoints"`
}

type baseRequest struct {
	RecoveryID string  `json:"recovery_id"`
	ShardID    ShardID `json:"shard_id"`
}

// PrepareTranslogRequest tells the target how many operations to expect.
type PrepareTranslogRequest struct {
	baseRequest
	TotalTranslogOps int `json:"total_translog_ops"`
}

// TranslogOpsRequest ships a batch of operations.
type TranslogOpsRequest struct {
	baseRequest
	Operations         []Operation `json:"operations"`
	TotalTranslogOps   int         `json:"total_translog_ops"`
	MaxSeqNo           int64       `json:"max_seq_no"`
	MaxSeqNoOfUpdates  int64       `json:"max_seq_no_of_updates"`
	RetentionLeases    []byte      `json:"retention_leases,omitempty"`
	MappingVersion     int64       `json:"mapping_version"`
	GlobalCheckpoint   int64       `json:"global_checkpoint"`
	PrimaryTerm        int64       `json:"primary_term"`
	SnapshotRecoveryID string      `json:"snapshot_recovery_id,omitempty"`
}

// TranslogOpsResponse reports the target's local checkpoint after applying
// the batch.
type TranslogOpsResponse struct {
	LocalCheckpoint int64 `json:"local_checkpoint"`
}

// FileInfoRequest announces the file manifest ahead of the bulk transfer.
type FileInfoRequest struct {
	baseRequest
	FileNames         []string `json:"file_names"`
	FileSizes         []int64  `json:"file_sizes"`
	ExistingFileNames []string `json:"existing_file_names"`
	ExistingFileSizes []int64  `json:"existing_file_sizes"`
	TotalTranslogOps  int      `json:"total_translog_ops"`
}

// FileChunkRequest transfers one chunk of one file. ThrottleTimeNanos lets
// the target attribute source-side throttling in its recovery timings.
type FileChunkRequest struct {
	baseRequest
	File              FileMetadata `json:"file"`
	Position          int64        `json:"position"`
	Content           []byte       `json:"content"`
	LastChunk         bool         `json:"last_chunk"`
	TotalTranslogOps  int          `json:"total_translog_ops"`
	ThrottleTimeNanos int64        `json:"throttle_time_nanos"`
}

// CleanFilesRequest instructs the target to drop files absent from the
// source metadata, validating against the global checkpoint first.
type CleanFilesRequest struct {
	baseRequest
	SourceFiles      map[string]FileMetadata `json:"source_files"`
	TotalTranslogOps int                     `json:"total_translog_ops"`
	GlobalCheckpoint int64                   `json:"global_checkpoint"`
}

// FinalizeRequest informs the target of the final checkpoint; the target
// trims operations above TrimAboveSeqNo.
type FinalizeRequest struct {
	baseRequest
	GlobalCheckpoint int64 `json:"global_checkpoint"`
	TrimAboveSeqNo   int64 `json:"trim_above_seq_no"`
}

// HandoffRequest transfers the primary context.
type HandoffRequest struct {
	baseRequest
	Context PrimaryContext `json:"context"`
}

// EmptyResponse acknowledges an operation with no payload.
type EmptyResponse struct{}
