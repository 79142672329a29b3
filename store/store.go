// Package store provides the durable state backing a run: the
// transactional run-state store consulted and written by the scheduler,
// and the idempotency store that deduplicates re-execution across
// retries and resumes.
//
// Backends: bbolt (default, durable local file), in-memory (tests and
// ephemeral runs), and Redis (idempotency records shared between
// processes). Completed runs can additionally be archived to S3.
package store

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/gantry/types"
)

// RunStore persists run state. Writes are transactional: a crash
// between transitions never leaves a half-written snapshot.
type RunStore interface {
	// SaveRun writes the full run snapshot, creating or replacing it.
	SaveRun(ctx context.Context, state *types.RunState) error

	// LoadRun reads the snapshot for runID.
	// Returns ErrRunNotFound when the run id is unknown.
	LoadRun(ctx context.Context, runID string) (*types.RunState, error)

	// ListRuns returns summaries of every persisted run, most recent
	// first.
	ListRuns(ctx context.Context) ([]RunSummary, error)

	// Close releases store resources.
	Close() error
}

// RunSummary is a lightweight run listing row.
type RunSummary struct {
	RunID     string          `json:"run_id"`
	Pipeline  string          `json:"pipeline"`
	Status    types.RunStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IdempotencyRecord maps a content hash of a stage's resolved inputs
// to its prior successful result.
type IdempotencyRecord struct {
	// ContentHash is the deterministic hash of (node id, resolved
	// inputs).
	ContentHash string `msgpack:"content_hash"`
	// Result is the msgpack-encoded stage result.
	Result []byte `msgpack:"result"`
	// StoredAt is when the first successful execution committed.
	StoredAt time.Time `msgpack:"stored_at"`
}

// IdempotencyStore deduplicates stage execution. Records outlive a
// single run and are cleared only by explicit operator action.
type IdempotencyStore interface {
	// Get returns the record for hash, or (nil, nil) on a miss.
	Get(ctx context.Context, hash string) (*IdempotencyRecord, error)

	// Put stores the record. Called before the node's SUCCEEDED status
	// is persisted, so a crash between the two never loses the dedup
	// record for a completed node.
	Put(ctx context.Context, rec *IdempotencyRecord) error

	// Clear removes all records. Explicit operator action only.
	Clear(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// EncodeRunState serializes run state for persistence.
func EncodeRunState(state *types.RunState) ([]byte, error) {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return nil, WrapWriteError(err, state.RunID)
	}
	return data, nil
}

// DecodeRunState deserializes persisted run state.
func DecodeRunState(data []byte) (*types.RunState, error) {
	var state types.RunState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, WrapReadError(err, "run state")
	}
	return &state, nil
}

// EncodeResult serializes a stage result for node output storage and
// idempotency records.
func EncodeResult(result map[string]any) ([]byte, error) {
	return msgpack.Marshal(result)
}

// DecodeResult deserializes a stored stage result.
func DecodeResult(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, WrapReadError(err, "stage result")
	}
	return out, nil
}
