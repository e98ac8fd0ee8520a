package schema

import "time"

// FailureStrategy controls how the engine reacts when a step fails after
// exhausting its retries.
type FailureStrategy string

const (
	FailureAbort    FailureStrategy = "abort"
	FailureContinue FailureStrategy = "continue"
	FailureRetry    FailureStrategy = "retry"
)

// IsValid reports whether s is a known failure strategy.
func (s FailureStrategy) IsValid() bool {
	switch s {
	case FailureAbort, FailureContinue, FailureRetry:
		return true
	}
	return false
}

// Step timeout bounds in seconds.
const (
	MinStepTimeout     = 1
	MaxStepTimeout     = 3600
	DefaultStepTimeout = 300
)

// MaxRetryCount caps per-step retries.
const MaxRetryCount = 5

// WorkflowStep is a single unit of work inside a workflow.
type WorkflowStep struct {
	Name           string         `json:"name"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RetryCount     int            `json:"retry_count,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
}

// Timeout returns the effective step timeout.
func (s *WorkflowStep) Timeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs == 0 {
		secs = DefaultStepTimeout
	}
	return time.Duration(secs) * time.Second
}

// RetryPolicy describes how failed step attempts are re-tried.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultRetryPolicy returns the engine's baseline backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// PolicyForStep derives the retry policy for a step from its retry_count.
func PolicyForStep(step *WorkflowStep) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = step.RetryCount + 1
	return p
}

// RunStatus tracks the lifecycle of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	}
	return false
}

// StepStatus tracks the lifecycle of a single step execution.
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// WorkflowRun is the persisted record of one workflow execution.
type WorkflowRun struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	RequestID    string         `json:"request_id,omitempty"`
	Status       RunStatus      `json:"status"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// StepExecution is the persisted record of one step within a run.
type StepExecution struct {
	RunID      string     `json:"run_id"`
	StepName   string     `json:"step_name"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Agent is the persisted record of a registered agent. Agents are never
// deleted; unreachable agents are marked offline.
type Agent struct {
	ID        string     `json:"id"`
	State     AgentState `json:"state"`
	LastSeen  time.Time  `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

// Event names recorded in the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunFinished  = "run_finished"
	EventStepStarted  = "step_started"
	EventStepFinished = "step_finished"
	EventStepRetrying = "step_retrying"
	EventStepSkipped  = "step_skipped"
	EventRunAborting  = "run_aborting"
)
