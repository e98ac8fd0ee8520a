package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avandra/agora/internal/actions"
	"github.com/avandra/agora/internal/logging"
	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/internal/validation"
	"github.com/avandra/agora/pkg/schema"
)

const defaultWorkerCount = 4

// ResultPublisher delivers the workflow result back onto the message
// bus. *bus.Bus satisfies it; a nil publisher disables result delivery.
type ResultPublisher interface {
	Send(ctx context.Context, sender, target string, mt schema.MessageType, content json.RawMessage) (*schema.Message, error)
}

// Executor runs workflow requests: it validates and indexes the step
// graph, drives each step through its lifecycle with timeout and retry
// handling, and records every transition in the store and event log.
type Executor struct {
	store     store.Store
	events    *store.EventLog
	actions   *actions.Registry
	publisher ResultPublisher
	logger    *slog.Logger
	workers   int
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithWorkers sets the concurrency limit for parallel execution.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPublisher sets the bus used to publish workflow results.
func WithPublisher(p ResultPublisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// NewExecutor creates an executor backed by the given store and action
// registry.
func NewExecutor(s store.Store, events *store.EventLog, reg *actions.Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:   s,
		events:  events,
		actions: reg,
		logger:  logger,
		workers: defaultWorkerCount,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the mutable in-flight state of one run, shared across
// the goroutines executing its steps.
type runState struct {
	mu          sync.Mutex
	steps       map[string]*stepState
	outputs     map[string]any
	params      map[string]any
	strategy    schema.FailureStrategy
	retriedOnce map[string]bool
	aborted     bool
	abortReason string
}

// markAborted sets the abort flag; reports whether this call set it.
func (rs *runState) markAborted(reason string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.aborted {
		return false
	}
	rs.aborted = true
	rs.abortReason = reason
	return true
}

func (rs *runState) isAborted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.aborted
}

// Execute runs a workflow request to completion and returns the final
// run record. requestID and sender identify the workflow_request
// message that triggered the run; the result is published back to the
// sender when a publisher is configured.
func (e *Executor) Execute(ctx context.Context, requestID, sender string, content *schema.WorkflowRequestContent) (*store.RunRecord, error) {
	if result := validation.ValidateWorkflow(content); !result.Valid() {
		return nil, result.Err()
	}
	dag, err := ParseDAG(content)
	if err != nil {
		return nil, err
	}

	definition, err := json.Marshal(content)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode workflow definition: %v", err).WithCause(err)
	}

	run := &store.RunRecord{
		ID:           uuid.NewString(),
		WorkflowName: content.WorkflowName,
		RequestID:    requestID,
		Definition:   definition,
		Status:       schema.RunPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, run.ID)
	e.logger.InfoContext(ctx, "workflow run created",
		"workflow", content.WorkflowName,
		"steps", len(dag.Steps),
		"parallel", content.ParallelExecution,
		"strategy", string(failureStrategy(content)))

	fsm := newRunFSM(run.ID, e.store, e.events)
	if err := fsm.Transition(ctx, schema.RunRunning, ""); err != nil {
		return nil, err
	}

	state := &runState{
		steps:       make(map[string]*stepState, len(dag.Steps)),
		outputs:     make(map[string]any, len(dag.Steps)),
		params:      content.Parameters,
		strategy:    failureStrategy(content),
		retriedOnce: make(map[string]bool),
	}
	for _, step := range dag.Steps {
		state.steps[step.Name] = &stepState{name: step.Name, status: schema.StepWaiting}
	}

	if content.ParallelExecution {
		e.runParallel(ctx, run.ID, dag, state)
	} else {
		e.runSerial(ctx, run.ID, dag, state)
	}

	// Finalization must persist even when the run context was cancelled.
	finalCtx := context.WithoutCancel(ctx)
	final, runErr := e.finalStatus(ctx, state)
	if err := fsm.Transition(finalCtx, final, runErr); err != nil {
		e.logger.ErrorContext(finalCtx, "finalize run failed", "error", err)
	}

	stored, err := e.store.GetRun(finalCtx, run.ID)
	if err != nil {
		return nil, err
	}
	e.publishResult(finalCtx, sender, stored, state)
	return stored, nil
}

func failureStrategy(content *schema.WorkflowRequestContent) schema.FailureStrategy {
	if content.FailureStrategy == "" {
		return schema.FailureAbort
	}
	return content.FailureStrategy
}

// runSerial executes steps one at a time in topological order.
func (e *Executor) runSerial(ctx context.Context, runID string, dag *DAG, state *runState) {
	for _, idx := range dag.Order {
		step := dag.Steps[idx]
		if !e.stepEligible(ctx, runID, dag, state, idx) {
			continue
		}
		e.runStep(ctx, runID, step, state)
	}
}

// runParallel executes steps level by level, each level's steps running
// concurrently on a bounded worker pool.
func (e *Executor) runParallel(ctx context.Context, runID string, dag *DAG, state *runState) {
	pool := NewWorkerPool(e.workers)
	defer pool.Shutdown()

	for _, level := range dag.Levels {
		results := make([]<-chan error, 0, len(level))
		for _, idx := range level {
			if !e.stepEligible(ctx, runID, dag, state, idx) {
				continue
			}
			step := dag.Steps[idx]
			ch, err := pool.Submit(ctx, func(ctx context.Context) error {
				e.runStep(ctx, runID, step, state)
				return nil
			})
			if err != nil {
				// Submit fails only on cancellation or shutdown.
				state.markAborted(err.Error())
				e.skipStep(ctx, runID, state, step.Name, "run aborted")
				continue
			}
			results = append(results, ch)
		}
		for _, ch := range results {
			<-ch
		}
	}
}

// stepEligible decides whether a step should run. Steps whose run was
// aborted, whose context is cancelled, or whose dependencies did not
// succeed are skipped with a persisted record and event.
func (e *Executor) stepEligible(ctx context.Context, runID string, dag *DAG, state *runState, idx int) bool {
	step := dag.Steps[idx]
	if ctx.Err() != nil {
		state.markAborted("context cancelled")
	}
	if state.isAborted() {
		e.skipStep(ctx, runID, state, step.Name, "run aborted")
		return false
	}

	state.mu.Lock()
	reason := ""
	for _, depIdx := range dag.Deps[idx] {
		dep := dag.Steps[depIdx].Name
		if state.steps[dep].status != schema.StepSucceeded {
			reason = fmt.Sprintf("dependency %s did not succeed", dep)
			break
		}
	}
	state.mu.Unlock()

	if reason != "" {
		e.skipStep(ctx, runID, state, step.Name, reason)
		return false
	}
	return true
}

func (e *Executor) skipStep(ctx context.Context, runID string, state *runState, name, reason string) {
	ctx = context.WithoutCancel(ctx)
	state.mu.Lock()
	st := state.steps[name]
	if err := st.transition(schema.StepSkipped); err != nil {
		state.mu.Unlock()
		return
	}
	state.mu.Unlock()

	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:      runID,
		StepName:   name,
		Status:     schema.StepSkipped,
		Error:      reason,
		FinishedAt: &now,
	}
	if err := e.store.UpsertStepExecution(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "persist skipped step failed", "step", name, "error", err)
	}
	e.appendStepEvent(ctx, runID, name, schema.EventStepSkipped, map[string]any{"reason": reason})
	e.logger.InfoContext(ctx, "step skipped", "step", name, "reason", reason)
}

// runStep drives one step through its retry budget and applies the
// run's failure strategy when the budget is exhausted.
func (e *Executor) runStep(ctx context.Context, runID string, step schema.WorkflowStep, state *runState) {
	output, err := e.executeWithRetries(ctx, runID, step, state)

	// A cancelled run lets in-flight attempts finish, but their results
	// are discarded and the step is recorded skipped.
	if ctx.Err() != nil {
		state.markAborted("context cancelled")
		e.skipStep(ctx, runID, state, step.Name, "run cancelled")
		return
	}

	if err == nil {
		e.completeStep(ctx, runID, step.Name, state, output)
		return
	}

	// retry strategy grants one fresh attempt budget before aborting.
	if state.strategy == schema.FailureRetry {
		state.mu.Lock()
		retried := state.retriedOnce[step.Name]
		state.retriedOnce[step.Name] = true
		state.mu.Unlock()
		if !retried && ctx.Err() == nil {
			e.appendStepEvent(ctx, runID, step.Name, schema.EventStepRetrying, map[string]any{"fresh_budget": true})
			e.logger.WarnContext(ctx, "step budget exhausted, granting fresh budget", "step", step.Name)
			output, err = e.executeWithRetries(ctx, runID, step, state)
			if err == nil {
				e.completeStep(ctx, runID, step.Name, state, output)
				return
			}
		}
	}

	e.failStep(ctx, runID, step.Name, state, err)

	switch state.strategy {
	case schema.FailureContinue:
		// Dependents of the failed step are skipped by eligibility;
		// independent branches keep running.
	default:
		reason := fmt.Sprintf("step %s failed: %v", step.Name, err)
		if state.markAborted(reason) {
			e.appendStepEvent(context.WithoutCancel(ctx), runID, "", schema.EventRunAborting,
				map[string]any{"reason": reason})
		}
	}
}

// executeWithRetries runs one full attempt budget for a step. Each
// attempt gets its own timeout; a timed-out attempt counts as failed.
func (e *Executor) executeWithRetries(ctx context.Context, runID string, step schema.WorkflowStep, state *runState) (any, error) {
	policy := schema.PolicyForStep(&step)
	ctx = logging.WithStepName(ctx, step.Name)

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			e.appendStepEvent(ctx, runID, step.Name, schema.EventStepRetrying, map[string]any{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			})
			e.logger.WarnContext(ctx, "retrying step",
				"step", step.Name, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, err
			}
		}

		e.beginAttempt(ctx, runID, step.Name, state, attempt)

		output, err := e.executeAttempt(ctx, step, state)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if policy.MaxAttempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s failed after %d attempts: %v", step.Name, policy.MaxAttempts, lastErr).
			WithStep(step.Name).WithCause(lastErr)
	}
	return nil, lastErr
}

// beginAttempt records the step as running and persists the attempt count.
func (e *Executor) beginAttempt(ctx context.Context, runID, name string, state *runState, attempt int) {
	state.mu.Lock()
	st := state.steps[name]
	if st.status == schema.StepWaiting {
		if err := st.transition(schema.StepRunning); err != nil {
			state.mu.Unlock()
			return
		}
	}
	st.attempts = attempt + 1
	attempts := st.attempts
	state.mu.Unlock()

	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:     runID,
		StepName:  name,
		Status:    schema.StepRunning,
		Attempts:  attempts,
		StartedAt: &now,
	}
	if err := e.store.UpsertStepExecution(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "persist running step failed", "step", name, "error", err)
	}
	if attempt == 0 {
		e.appendStepEvent(ctx, runID, name, schema.EventStepStarted, nil)
		e.logger.InfoContext(ctx, "step started", "step", name)
	}
}

// executeAttempt runs the step's action once under the step timeout.
func (e *Executor) executeAttempt(ctx context.Context, step schema.WorkflowStep, state *runState) (any, error) {
	action, err := e.actions.Get(step.Action)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", step.Action).WithStep(step.Name)
	}
	if err := action.Validate(step.Parameters); err != nil {
		return nil, err
	}

	// The attempt deadline is detached from run cancellation so an
	// in-flight attempt may run to completion under its own timeout.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), step.Timeout())
	defer cancel()

	out, err := action.Execute(attemptCtx, actions.ActionInput{
		Params: step.Parameters,
		Scope:  e.buildScope(state),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %s timed out after %s", step.Name, step.Timeout()).WithStep(step.Name)
		}
		return nil, err
	}

	var decoded any
	if out != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &decoded); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"step %s produced invalid output: %v", step.Name, err).WithStep(step.Name).WithCause(err)
		}
	}
	return decoded, nil
}

// buildScope exposes the workflow parameters and the outputs of every
// finished step to the running action.
func (e *Executor) buildScope(state *runState) map[string]any {
	state.mu.Lock()
	defer state.mu.Unlock()
	scope := make(map[string]any, len(state.params)+2)
	for k, v := range state.params {
		scope[k] = v
	}
	outputs := make(map[string]any, len(state.outputs))
	for k, v := range state.outputs {
		outputs[k] = v
	}
	scope["params"] = state.params
	scope["steps"] = outputs
	return scope
}

func (e *Executor) completeStep(ctx context.Context, runID, name string, state *runState, output any) {
	ctx = context.WithoutCancel(ctx)
	state.mu.Lock()
	st := state.steps[name]
	if err := st.transition(schema.StepSucceeded); err != nil {
		state.mu.Unlock()
		return
	}
	state.outputs[name] = output
	attempts := st.attempts
	state.mu.Unlock()

	raw, _ := json.Marshal(output)
	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:      runID,
		StepName:   name,
		Status:     schema.StepSucceeded,
		Attempts:   attempts,
		Output:     raw,
		FinishedAt: &now,
	}
	if err := e.store.UpsertStepExecution(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "persist succeeded step failed", "step", name, "error", err)
	}
	e.appendStepEvent(ctx, runID, name, schema.EventStepFinished, map[string]any{
		"status": string(schema.StepSucceeded),
		"output": output,
	})
	e.logger.InfoContext(ctx, "step succeeded", "step", name, "attempts", attempts)
}

func (e *Executor) failStep(ctx context.Context, runID, name string, state *runState, stepErr error) {
	ctx = context.WithoutCancel(ctx)
	state.mu.Lock()
	st := state.steps[name]
	if err := st.transition(schema.StepFailed); err != nil {
		state.mu.Unlock()
		return
	}
	attempts := st.attempts
	state.mu.Unlock()

	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:      runID,
		StepName:   name,
		Status:     schema.StepFailed,
		Attempts:   attempts,
		Error:      stepErr.Error(),
		FinishedAt: &now,
	}
	if err := e.store.UpsertStepExecution(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "persist failed step failed", "step", name, "error", err)
	}
	e.appendStepEvent(ctx, runID, name, schema.EventStepFinished, map[string]any{
		"status": string(schema.StepFailed),
		"error":  stepErr.Error(),
	})
	e.logger.ErrorContext(ctx, "step failed", "step", name, "attempts", attempts, "error", stepErr)
}

// finalStatus computes the terminal run status from the step states.
// Cancellation yields aborted; otherwise any failed step or an abort
// flag makes the run failed, and a clean sweep succeeds.
func (e *Executor) finalStatus(ctx context.Context, state *runState) (schema.RunStatus, string) {
	cancelled := ctx.Err() != nil

	state.mu.Lock()
	var failed []string
	for _, st := range state.steps {
		if st.status == schema.StepFailed {
			failed = append(failed, st.name)
		}
	}
	aborted := state.aborted
	reason := state.abortReason
	state.mu.Unlock()

	if cancelled {
		return schema.RunAborted, "run cancelled"
	}
	if len(failed) > 0 || aborted {
		if reason == "" {
			reason = fmt.Sprintf("%d step(s) failed", len(failed))
		}
		return schema.RunFailed, reason
	}
	return schema.RunSucceeded, ""
}

// publishResult sends the workflow outcome back to the requesting agent
// as a context_update message.
func (e *Executor) publishResult(ctx context.Context, sender string, run *store.RunRecord, state *runState) {
	if e.publisher == nil || sender == "" {
		return
	}

	state.mu.Lock()
	steps := make(map[string]string, len(state.steps))
	for name, st := range state.steps {
		steps[name] = string(st.status)
	}
	state.mu.Unlock()

	data := map[string]any{
		"run_id":     run.ID,
		"request_id": run.RequestID,
		"workflow":   run.WorkflowName,
		"status":     string(run.Status),
		"steps":      steps,
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	content, err := json.Marshal(schema.ContextUpdateContent{
		ContextType: "workflow_result",
		Data:        data,
		Version:     "1",
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "encode workflow result failed", "error", err)
		return
	}
	if _, err := e.publisher.Send(ctx, "workflow-engine", sender, schema.TypeContextUpdate, content); err != nil {
		e.logger.ErrorContext(ctx, "publish workflow result failed", "error", err)
	}
}

// RunStatusView is a run together with its step executions.
type RunStatusView struct {
	Run   *schema.WorkflowRun     `json:"run"`
	Steps []*schema.StepExecution `json:"steps"`
}

// Status returns the current state of a run and its steps.
func (e *Executor) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	stepRecs, err := e.store.ListStepExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	run := &schema.WorkflowRun{
		ID:           rec.ID,
		WorkflowName: rec.WorkflowName,
		RequestID:    rec.RequestID,
		Status:       rec.Status,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		CreatedAt:    rec.CreatedAt,
	}
	var definition schema.WorkflowRequestContent
	if len(rec.Definition) > 0 && json.Unmarshal(rec.Definition, &definition) == nil {
		run.Parameters = definition.Parameters
	}

	steps := make([]*schema.StepExecution, len(stepRecs))
	for i, sr := range stepRecs {
		step := &schema.StepExecution{
			RunID:      sr.RunID,
			StepName:   sr.StepName,
			Status:     sr.Status,
			Attempts:   sr.Attempts,
			Error:      sr.Error,
			StartedAt:  sr.StartedAt,
			FinishedAt: sr.FinishedAt,
		}
		if len(sr.Output) > 0 {
			var out any
			if json.Unmarshal(sr.Output, &out) == nil {
				step.Output = out
			}
		}
		steps[i] = step
	}
	return &RunStatusView{Run: run, Steps: steps}, nil
}

func (e *Executor) appendStepEvent(ctx context.Context, runID, stepName, eventType string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.AppendPayload(ctx, runID, stepName, eventType, payload); err != nil {
		e.logger.ErrorContext(ctx, "append event failed", "event", eventType, "step", stepName, "error", err)
	}
}
