package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/pkg/schema"
)

// EventAppender records lifecycle events to the run's event log.
// *store.EventLog satisfies it.
type EventAppender interface {
	Append(ctx context.Context, ev *store.Event) error
}

var runTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunAborted},
	schema.RunRunning:   {schema.RunSucceeded, schema.RunFailed, schema.RunAborted},
	schema.RunSucceeded: {},
	schema.RunFailed:    {},
	schema.RunAborted:   {},
}

var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepWaiting:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepSucceeded, schema.StepFailed, schema.StepSkipped},
	schema.StepSucceeded: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to schema.RunStatus) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether a step may move from one status to another.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// runFSM tracks a single run's status and persists each transition
// together with an event log entry.
type runFSM struct {
	runID  string
	status schema.RunStatus
	store  store.Store
	events EventAppender
}

func newRunFSM(runID string, s store.Store, events EventAppender) *runFSM {
	return &runFSM{runID: runID, status: schema.RunPending, store: s, events: events}
}

func (f *runFSM) Status() schema.RunStatus {
	return f.status
}

// Transition moves the run to the target status, updating the persisted
// record and appending a lifecycle event. Invalid transitions return an
// INVALID_TRANSITION error without side effects.
func (f *runFSM) Transition(ctx context.Context, to schema.RunStatus, runErr string) error {
	if !CanTransitionRun(f.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot transition from %s to %s", f.runID, f.status, to)
	}

	now := time.Now().UTC()
	upd := store.RunUpdate{Status: &to}
	switch to {
	case schema.RunRunning:
		upd.StartedAt = &now
	case schema.RunSucceeded, schema.RunFailed, schema.RunAborted:
		upd.FinishedAt = &now
		if runErr != "" {
			upd.Error = &runErr
		}
	}
	if err := f.store.UpdateRun(ctx, f.runID, upd); err != nil {
		return err
	}
	f.status = to

	eventType := schema.EventRunStarted
	if to.IsTerminal() {
		eventType = schema.EventRunFinished
	}
	payload, _ := json.Marshal(map[string]any{"status": string(to), "error": runErr})
	return f.events.Append(ctx, &store.Event{
		RunID:     f.runID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
	})
}

// stepState tracks one step's status within a run; transitions are
// persisted as step records plus events by the executor.
type stepState struct {
	name     string
	status   schema.StepStatus
	attempts int
}

func (s *stepState) transition(to schema.StepStatus) error {
	if !CanTransitionStep(s.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s cannot transition from %s to %s", s.name, s.status, to)
	}
	s.status = to
	return nil
}
