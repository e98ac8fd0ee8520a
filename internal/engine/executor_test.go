package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/agora/internal/actions"
	"github.com/avandra/agora/pkg/schema"
)

type testAction struct {
	name string
	fn   func(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error)
}

func (a *testAction) Name() string                  { return a.name }
func (a *testAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (a *testAction) Validate(map[string]any) error { return nil }
func (a *testAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	return a.fn(ctx, input)
}

type publishedResult struct {
	sender  string
	target  string
	msgType schema.MessageType
	content json.RawMessage
}

type capturePublisher struct {
	mu      sync.Mutex
	results []publishedResult
}

func (p *capturePublisher) Send(_ context.Context, sender, target string, mt schema.MessageType, content json.RawMessage) (*schema.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, publishedResult{sender, target, mt, content})
	return schema.NewMessage(sender, target, mt, content), nil
}

func newTestExecutor(t *testing.T, reg *actions.Registry, opts ...ExecutorOption) *Executor {
	t.Helper()
	s, events := newTestStore(t)
	return NewExecutor(s, events, reg, nil, opts...)
}

func okAction(name string, out any, calls *atomic.Int64) *testAction {
	return &testAction{name: name, fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		if calls != nil {
			calls.Add(1)
		}
		raw, _ := json.Marshal(out)
		return &actions.ActionOutput{Data: raw}, nil
	}}
}

func failingAction(name string, calls *atomic.Int64) *testAction {
	return &testAction{name: name, fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		if calls != nil {
			calls.Add(1)
		}
		return nil, schema.NewError(schema.ErrCodeExecution, "deliberate failure")
	}}
}

func TestExecuteSerialSuccess(t *testing.T) {
	reg := actions.NewRegistry()
	var order []string
	var mu sync.Mutex
	record := func(name string) *testAction {
		return &testAction{name: name, fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return &actions.ActionOutput{Data: json.RawMessage(`{"step":"` + name + `"}`)}, nil
		}}
	}
	require.NoError(t, reg.Register(record("fetch")))
	require.NoError(t, reg.Register(record("build")))
	require.NoError(t, reg.Register(record("deploy")))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-1", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "pipeline",
		Steps: []schema.WorkflowStep{
			{Name: "fetch", Action: "fetch"},
			{Name: "build", Action: "build", DependsOn: []string{"fetch"}},
			{Name: "deploy", Action: "deploy", DependsOn: []string{"build"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, []string{"fetch", "build", "deploy"}, order)

	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 3)
	for _, step := range view.Steps {
		assert.Equal(t, schema.StepSucceeded, step.Status)
	}
}

func TestExecuteParallelLevels(t *testing.T) {
	reg := actions.NewRegistry()
	var active, peak atomic.Int64
	slow := func(name string) *testAction {
		return &testAction{name: name, fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			return &actions.ActionOutput{}, nil
		}}
	}
	require.NoError(t, reg.Register(slow("left")))
	require.NoError(t, reg.Register(slow("right")))
	require.NoError(t, reg.Register(okAction("join", "done", nil)))

	exec := newTestExecutor(t, reg, WithWorkers(4))
	run, err := exec.Execute(context.Background(), "req-2", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName:      "fanout",
		ParallelExecution: true,
		Steps: []schema.WorkflowStep{
			{Name: "left", Action: "left"},
			{Name: "right", Action: "right"},
			{Name: "join", Action: "join", DependsOn: []string{"left", "right"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, int64(2), peak.Load())
}

func TestExecuteScopeCarriesUpstreamOutputs(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(okAction("produce", map[string]any{"value": 42}, nil)))

	var seenScope map[string]any
	require.NoError(t, reg.Register(&testAction{name: "consume", fn: func(_ context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
		seenScope = input.Scope
		return &actions.ActionOutput{}, nil
	}}))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-3", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "chained",
		Parameters:   map[string]any{"env": "staging"},
		Steps: []schema.WorkflowStep{
			{Name: "produce", Action: "produce"},
			{Name: "consume", Action: "consume", DependsOn: []string{"produce"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunSucceeded, run.Status)

	assert.Equal(t, "staging", seenScope["env"])
	steps, ok := seenScope["steps"].(map[string]any)
	require.True(t, ok)
	produced, ok := steps["produce"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), produced["value"])
}

func TestExecuteAbortSkipsRemaining(t *testing.T) {
	reg := actions.NewRegistry()
	var downstream atomic.Int64
	require.NoError(t, reg.Register(failingAction("explode", nil)))
	require.NoError(t, reg.Register(okAction("after", "x", &downstream)))
	require.NoError(t, reg.Register(okAction("sibling", "y", &downstream)))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-4", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName:    "aborting",
		FailureStrategy: schema.FailureAbort,
		Steps: []schema.WorkflowStep{
			{Name: "explode", Action: "explode"},
			{Name: "after", Action: "after", DependsOn: []string{"explode"}},
			{Name: "sibling", Action: "sibling"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, int64(0), downstream.Load())

	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	statuses := make(map[string]schema.StepStatus, len(view.Steps))
	for _, step := range view.Steps {
		statuses[step.StepName] = step.Status
	}
	assert.Equal(t, schema.StepFailed, statuses["explode"])
	assert.Equal(t, schema.StepSkipped, statuses["after"])
	assert.Equal(t, schema.StepSkipped, statuses["sibling"])
}

func TestExecuteExhaustedRetriesSkipDependent(t *testing.T) {
	reg := actions.NewRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(failingAction("validate", &calls)))
	require.NoError(t, reg.Register(okAction("test", "x", nil)))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-14", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName:    "gated",
		FailureStrategy: schema.FailureAbort,
		Steps: []schema.WorkflowStep{
			{Name: "validate", Action: "validate", RetryCount: 2},
			{Name: "test", Action: "test", DependsOn: []string{"validate"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, int64(3), calls.Load())

	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	statuses := make(map[string]schema.StepStatus, len(view.Steps))
	for _, step := range view.Steps {
		statuses[step.StepName] = step.Status
	}
	assert.Equal(t, schema.StepFailed, statuses["validate"])
	assert.Equal(t, schema.StepSkipped, statuses["test"])
}

func TestExecuteContinueRunsIndependentBranch(t *testing.T) {
	reg := actions.NewRegistry()
	var sibling atomic.Int64
	require.NoError(t, reg.Register(failingAction("explode", nil)))
	require.NoError(t, reg.Register(okAction("after", "x", nil)))
	require.NoError(t, reg.Register(okAction("sibling", "y", &sibling)))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-5", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName:    "continuing",
		FailureStrategy: schema.FailureContinue,
		Steps: []schema.WorkflowStep{
			{Name: "explode", Action: "explode"},
			{Name: "after", Action: "after", DependsOn: []string{"explode"}},
			{Name: "sibling", Action: "sibling"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, int64(1), sibling.Load())

	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	statuses := make(map[string]schema.StepStatus, len(view.Steps))
	for _, step := range view.Steps {
		statuses[step.StepName] = step.Status
	}
	assert.Equal(t, schema.StepFailed, statuses["explode"])
	assert.Equal(t, schema.StepSkipped, statuses["after"])
	assert.Equal(t, schema.StepSucceeded, statuses["sibling"])
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	reg := actions.NewRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(&testAction{name: "flaky", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		if calls.Add(1) < 2 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		return &actions.ActionOutput{Data: json.RawMessage(`"ok"`)}, nil
	}}))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-6", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "flaky-wf",
		Steps: []schema.WorkflowStep{
			{Name: "flaky", Action: "flaky", RetryCount: 2},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunSucceeded, run.Status)
	assert.Equal(t, int64(2), calls.Load())

	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, 2, view.Steps[0].Attempts)
}

func TestExecuteNonRetryableErrorStopsBudget(t *testing.T) {
	reg := actions.NewRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(&testAction{name: "invalid", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "bad params")
	}}))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-7", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "invalid-wf",
		Steps: []schema.WorkflowStep{
			{Name: "invalid", Action: "invalid", RetryCount: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecuteRetryStrategyGrantsFreshBudget(t *testing.T) {
	reg := actions.NewRegistry()
	var calls atomic.Int64
	require.NoError(t, reg.Register(failingAction("explode", &calls)))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-8", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName:    "retrying",
		FailureStrategy: schema.FailureRetry,
		Steps: []schema.WorkflowStep{
			{Name: "explode", Action: "explode"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	// One attempt for the initial budget plus one for the fresh budget.
	assert.Equal(t, int64(2), calls.Load())
}

func TestExecuteTimeoutFailsStep(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(&testAction{name: "slow", fn: func(ctx context.Context, _ actions.ActionInput) (*actions.ActionOutput, error) {
		select {
		case <-time.After(5 * time.Second):
			return &actions.ActionOutput{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(context.Background(), "req-9", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "slow-wf",
		Steps: []schema.WorkflowStep{
			{Name: "slow", Action: "slow", TimeoutSeconds: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, schema.StepFailed, view.Steps[0].Status)
	assert.Contains(t, view.Steps[0].Error, "timed out")
}

func TestExecuteCancelledRunAborts(t *testing.T) {
	reg := actions.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, reg.Register(&testAction{name: "first", fn: func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		cancel()
		return &actions.ActionOutput{}, nil
	}}))
	var second atomic.Int64
	require.NoError(t, reg.Register(okAction("second", "x", &second)))

	exec := newTestExecutor(t, reg)
	run, err := exec.Execute(ctx, "req-10", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "cancelled",
		Steps: []schema.WorkflowStep{
			{Name: "first", Action: "first"},
			{Name: "second", Action: "second", DependsOn: []string{"first"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunAborted, run.Status)
	assert.Equal(t, int64(0), second.Load())

	// The interrupted step finished, but its result is discarded.
	view, err := exec.Status(context.Background(), run.ID)
	require.NoError(t, err)
	statuses := make(map[string]schema.StepStatus, len(view.Steps))
	for _, step := range view.Steps {
		statuses[step.StepName] = step.Status
	}
	assert.Equal(t, schema.StepSkipped, statuses["first"])
	assert.Equal(t, schema.StepSkipped, statuses["second"])
}

func TestExecutePublishesResult(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(okAction("only", "done", nil)))

	pub := &capturePublisher{}
	exec := newTestExecutor(t, reg, WithPublisher(pub))
	run, err := exec.Execute(context.Background(), "req-11", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "published",
		Steps: []schema.WorkflowStep{
			{Name: "only", Action: "only"},
		},
	})
	require.NoError(t, err)
	require.Len(t, pub.results, 1)

	res := pub.results[0]
	assert.Equal(t, "ci-agent", res.target)
	assert.Equal(t, schema.TypeContextUpdate, res.msgType)

	var content schema.ContextUpdateContent
	require.NoError(t, json.Unmarshal(res.content, &content))
	assert.Equal(t, "workflow_result", content.ContextType)
	assert.Equal(t, run.ID, content.Data["run_id"])
	assert.Equal(t, string(schema.RunSucceeded), content.Data["status"])
}

func TestExecuteRejectsInvalidWorkflow(t *testing.T) {
	exec := newTestExecutor(t, actions.NewRegistry())
	_, err := exec.Execute(context.Background(), "req-12", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "empty",
	})
	var agErr *schema.AgoraError
	require.ErrorAs(t, err, &agErr)
	assert.Equal(t, schema.ErrCodeValidation, agErr.Code)
}

func TestExecuteUnknownActionFailsStep(t *testing.T) {
	exec := newTestExecutor(t, actions.NewRegistry())
	run, err := exec.Execute(context.Background(), "req-13", "ci-agent", &schema.WorkflowRequestContent{
		WorkflowName: "missing-action",
		Steps: []schema.WorkflowStep{
			{Name: "ghost", Action: "does-not-exist"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, run.Status)
}
