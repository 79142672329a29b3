// Package adapter defines the notification boundary for finished runs.
//
// Adapters publish run completion events to downstream systems. The CLI
// owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/justapithecus/gantry/runtime"
)

// EventType is the event_type value of every event this module emits.
const EventType = "run_completed"

// SchemaVersion identifies the event payload shape for consumers.
const SchemaVersion = "1.0"

// RunCompletedEvent is the payload published when a run reaches a
// terminal state.
type RunCompletedEvent struct {
	SchemaVersion string `json:"schema_version"`
	EventType     string `json:"event_type"` // always "run_completed"
	RunID         string `json:"run_id"`
	Pipeline      string `json:"pipeline"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // completed, failed, inconsistent
	Message       string `json:"message"`
	ExitCode      int    `json:"exit_code"`
	Timestamp     string `json:"timestamp"` // ISO 8601

	StagesSucceeded   int64 `json:"stages_succeeded"`
	StagesFailed      int64 `json:"stages_failed"`
	StagesSkipped     int64 `json:"stages_skipped"`
	StagesCompensated int64 `json:"stages_compensated"`
	DurationMs        int64 `json:"duration_ms"`
}

// NewRunCompletedEvent builds the completion event for a finished run.
func NewRunCompletedEvent(result *runtime.RunResult) *RunCompletedEvent {
	return &RunCompletedEvent{
		SchemaVersion:     SchemaVersion,
		EventType:         EventType,
		RunID:             result.Meta.RunID,
		Pipeline:          result.Meta.Pipeline,
		CorrelationID:     result.Meta.CorrelationID,
		Status:            string(result.Outcome.Status),
		Message:           result.Outcome.Message,
		ExitCode:          result.ExitCode(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		StagesSucceeded:   result.Metrics.NodesSucceeded,
		StagesFailed:      result.Metrics.NodesFailed,
		StagesSkipped:     result.Metrics.NodesSkipped,
		StagesCompensated: result.Metrics.NodesCompensated,
		DurationMs:        result.Duration.Milliseconds(),
	}
}

// Adapter publishes run completion events to a downstream system.
// Implementations must be safe for single-use per run.
type Adapter interface {
	// Publish sends a run completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
