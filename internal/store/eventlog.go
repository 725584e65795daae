package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// EventLog provides audit-trail operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide audit-trail operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Append appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) Append(ctx context.Context, event *RunEvent) error {
	return el.store.AppendRunEvent(ctx, event)
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	return el.store.GetRunEvents(ctx, runID, since)
}

// StepTrace is a per-step execution summary reconstructed from the event log.
type StepTrace struct {
	StepName    string          `json:"step_name"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// Replay reconstructs per-step traces for a run from its event log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepTrace, error) {
	events, err := el.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	traces := make(map[string]*StepTrace)
	if len(events) == 0 {
		return traces, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.StepName == "" {
			continue
		}

		tr, ok := traces[e.StepName]
		if !ok {
			tr = &StepTrace{StepName: e.StepName, Status: "pending"}
			traces[e.StepName] = tr
		}

		switch e.Type {
		case schema.EventStepEntered:
			tr.Status = "in_progress"
			ts := e.Timestamp
			tr.StartedAt = &ts

		case schema.EventStepCompleted:
			tr.Status = "completed"
			ts := e.Timestamp
			tr.CompletedAt = &ts
			tr.Output = e.Payload
			if tr.StartedAt != nil {
				tr.DurationMs = ts.Sub(*tr.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			tr.Status = "failed"
			tr.Error = e.Payload

		case schema.EventRetryScheduled:
			tr.Status = "retrying"
			tr.RetryCount++

		case schema.EventTaskCreated:
			tr.Status = "waiting"

		case schema.EventTaskSkipped:
			tr.Status = "skipped"
		}
	}

	return traces, nil
}
