package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/agora/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedMessage(t *testing.T, s *LibSQLStore, target string) *StoredMessage {
	t.Helper()
	msg := &StoredMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Sender:    "tester",
		Target:    target,
		Type:      schema.TypeContextUpdate,
		Content:   json.RawMessage(`{"context_type":"t","data":{}}`),
		Status:    schema.StatusPending,
	}
	require.NoError(t, s.WriteMessage(context.Background(), msg))
	return msg
}

// --- Message tests ---

func TestWriteAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := seedMessage(t, s, "agent-b")
	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "tester", got.Sender)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.JSONEq(t, string(msg.Content), string(got.Content))
}

func TestWriteMessageDuplicateID(t *testing.T) {
	s := newTestStore(t)
	msg := seedMessage(t, s, "agent-b")

	err := s.WriteMessage(context.Background(), msg)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeDuplicateID, ae.Code)
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMessage(context.Background(), "missing")
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeNotFound, ae.Code)
}

func TestListMessagesIncludesBroadcast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	direct := seedMessage(t, s, "agent-b")
	broadcast := seedMessage(t, s, "*")
	seedMessage(t, s, "agent-c")

	msgs, err := s.ListMessages(ctx, MessageFilter{Target: "agent-b"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	ids := []string{msgs[0].ID, msgs[1].ID}
	assert.Contains(t, ids, direct.ID)
	assert.Contains(t, ids, broadcast.ID)
}

func TestListMessagesByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := seedMessage(t, s, "agent-b")
	seedMessage(t, s, "agent-b")
	require.NoError(t, s.UpdateMessageStatus(ctx, done.ID, string(schema.StatusProcessed), nil))

	msgs, err := s.ListMessages(ctx, MessageFilter{Status: schema.StatusPending})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUpdateMessageStatusTerminalIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := seedMessage(t, s, "agent-b")

	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, string(schema.StatusProcessed), nil))

	err := s.UpdateMessageStatus(ctx, msg.ID, string(schema.StatusFailed), nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ae.Code)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusProcessed, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestUpdateMessageStatusRejectsPending(t *testing.T) {
	s := newTestStore(t)
	msg := seedMessage(t, s, "agent-b")

	err := s.UpdateMessageStatus(context.Background(), msg.ID, string(schema.StatusPending), nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ae.Code)
}

func TestUpdateMessageStatusConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := seedMessage(t, s, "agent-b")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := schema.StatusProcessed
			if i%2 == 1 {
				status = schema.StatusFailed
			}
			errs[i] = s.UpdateMessageStatus(ctx, msg.ID, string(status), nil)
		}(i)
	}
	wg.Wait()

	// The first transition wins; racers targeting the same status
	// succeed idempotently, the rest observe INVALID_TRANSITION.
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var ae *schema.AgoraError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeInvalidTransition, ae.Code)
	}
	assert.Equal(t, 4, succeeded)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
}

func TestUpdateMessageStatusIdempotentSameStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := seedMessage(t, s, "agent-b")

	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, string(schema.StatusProcessed), nil))
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, string(schema.StatusProcessed), nil))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusProcessed, got.Status)
}

func TestUpdateMessageStatusRecordsResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := seedMessage(t, s, "agent-b")

	result := json.RawMessage(`{"tests_passed":12}`)
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, string(schema.StatusProcessed), result))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tests_passed":12}`, string(got.Result))
}

// --- Agent tests ---

func TestUpsertAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &AgentRecord{ID: "builder", State: schema.AgentIdle}))
	require.NoError(t, s.UpsertAgent(ctx, &AgentRecord{ID: "builder", State: schema.AgentBusy}))

	got, err := s.GetAgent(ctx, "builder")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentBusy, got.State)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestTouchAgentUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.TouchAgent(context.Background(), "ghost")
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeNotFound, ae.Code)
}

// --- Run tests ---

func TestCreateAndUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &RunRecord{
		ID:           uuid.New().String(),
		WorkflowName: "deploy",
		Definition:   json.RawMessage(`{"workflow_name":"deploy","steps":[]}`),
		Status:       schema.RunPending,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	now := time.Now().UTC()
	running := schema.RunRunning
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, StartedAt: &now}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	failed := schema.RunFailed
	errMsg := "step compile failed"
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &failed, Error: &errMsg, FinishedAt: &now}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, got.Status)
	assert.Equal(t, errMsg, got.Error)
}

func TestListRunsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRun(ctx, &RunRecord{
			ID:           uuid.New().String(),
			WorkflowName: "nightly",
			Definition:   json.RawMessage(`{}`),
			Status:       schema.RunPending,
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowName: "nightly", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

// --- Step execution tests ---

func TestUpsertStepExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &RunRecord{ID: uuid.New().String(), WorkflowName: "w", Definition: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	rec := &StepRecord{RunID: run.ID, StepName: "compile", Status: schema.StepRunning, Attempts: 1}
	require.NoError(t, s.UpsertStepExecution(ctx, rec))

	rec.Status = schema.StepSucceeded
	rec.Output = json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.UpsertStepExecution(ctx, rec))

	execs, err := s.ListStepExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.StepSucceeded, execs[0].Status)
	assert.Equal(t, 1, execs[0].Attempts)
}

// --- Cleanup tests ---

func TestArchiveMessagesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := seedMessage(t, s, "agent-b")
	second := seedMessage(t, s, "agent-b")
	kept := seedMessage(t, s, "agent-b")

	// Backdate two messages past the cutoff.
	for _, id := range []string{first.ID, second.ID} {
		_, err := s.DB().ExecContext(ctx,
			`UPDATE messages SET timestamp = ? WHERE id = ?`,
			time.Now().UTC().Add(-48*time.Hour), id)
		require.NoError(t, err)
	}

	cutoff := CutoffFilter{Before: time.Now().UTC().Add(-24 * time.Hour)}
	n, err := s.ArchiveMessages(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.CountArchived(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Archived originals are gone from the live table, recent ones remain.
	_, err = s.GetMessage(ctx, first.ID)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeNotFound, ae.Code)
	_, err = s.GetMessage(ctx, kept.ID)
	require.NoError(t, err)

	// Second run archives nothing.
	n, err = s.ArchiveMessages(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
