package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avandra/agora/pkg/schema"
)

// EventLog provides append-only event operations on top of a LibSQLStore.
// Sequences are monotonically increasing per run.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Append writes an event with the next per-run sequence. The sequence read
// and insert happen inside one transaction so concurrent appenders cannot
// interleave.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force lock acquisition up front. In WAL mode a deferred transaction
	// only takes the write lock at the first write statement.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

// AppendPayload marshals payload and appends an event for the run.
func (el *EventLog) AppendPayload(ctx context.Context, runID, stepName, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return el.Append(ctx, &Event{
		RunID:    runID,
		StepName: stepName,
		Type:     eventType,
		Payload:  raw,
	})
}

// Events returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// Replay walks every event for a run, checking sequence contiguity, and
// returns the reconstructed step records.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepRecord, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepRecord)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Sequence)
		}
		if e.StepName == "" {
			continue
		}
		rec, ok := states[e.StepName]
		if !ok {
			rec = &StepRecord{RunID: runID, StepName: e.StepName, Status: schema.StepWaiting}
			states[e.StepName] = rec
		}
		applyEvent(rec, e)
	}
	return states, nil
}

func applyEvent(rec *StepRecord, e *Event) {
	switch e.Type {
	case schema.EventStepStarted:
		rec.Status = schema.StepRunning
		rec.Attempts++
		ts := e.Timestamp
		rec.StartedAt = &ts
	case schema.EventStepRetrying:
		rec.Status = schema.StepRunning
	case schema.EventStepSkipped:
		rec.Status = schema.StepSkipped
		ts := e.Timestamp
		rec.FinishedAt = &ts
	case schema.EventStepFinished:
		var payload struct {
			Status string          `json:"status"`
			Output json.RawMessage `json:"output"`
			Error  string          `json:"error"`
		}
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &payload)
		}
		if payload.Status != "" {
			rec.Status = schema.StepStatus(payload.Status)
		}
		rec.Output = payload.Output
		rec.Error = payload.Error
		ts := e.Timestamp
		rec.FinishedAt = &ts
	}
}
