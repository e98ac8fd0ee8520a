package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the closed set of message kinds agents exchange.
type MessageType string

const (
	TypeTestRequest         MessageType = "test_request"
	TypeTestResult          MessageType = "test_result"
	TypeStatusUpdate        MessageType = "status_update"
	TypeContextUpdate       MessageType = "context_update"
	TypeWorkflowRequest     MessageType = "workflow_request"
	TypeValidationRequest   MessageType = "validation_request"
	TypeDocumentationUpdate MessageType = "documentation_update"
)

// MessageTypes lists every valid message type.
var MessageTypes = []MessageType{
	TypeTestRequest,
	TypeTestResult,
	TypeStatusUpdate,
	TypeContextUpdate,
	TypeWorkflowRequest,
	TypeValidationRequest,
	TypeDocumentationUpdate,
}

// IsValid reports whether t is a member of the closed type enum.
func (t MessageType) IsValid() bool {
	for _, mt := range MessageTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// MessageStatus tracks the processing lifecycle of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusProcessed MessageStatus = "processed"
	StatusFailed    MessageStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// AgentState enumerates the operational states an agent can report.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentBusy    AgentState = "busy"
	AgentError   AgentState = "error"
	AgentOffline AgentState = "offline"
)

// AgentStates lists every valid agent state.
var AgentStates = []AgentState{AgentIdle, AgentBusy, AgentError, AgentOffline}

// IsValid reports whether s is a known agent state.
func (s AgentState) IsValid() bool {
	for _, as := range AgentStates {
		if s == as {
			return true
		}
	}
	return false
}

// BroadcastTarget addresses a message to every subscribed agent.
const BroadcastTarget = "*"

// Message is the envelope exchanged between agents. Content is held as
// raw JSON and validated against the per-type schema before acceptance.
type Message struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	Type      MessageType     `json:"type"`
	Content   json.RawMessage `json:"content"`
	Status    MessageStatus   `json:"status"`
}

// NewMessage builds a pending message with a fresh UUID and the current time.
func NewMessage(sender, target string, mt MessageType, content json.RawMessage) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Target:    target,
		Type:      mt,
		Content:   content,
		Status:    StatusPending,
	}
}

// DecodeContent unmarshals the raw content into v.
func (m *Message) DecodeContent(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return NewErrorf(ErrCodeValidation, "decode %s content: %v", m.Type, err).WithCause(err)
	}
	return nil
}

// TestRequestContent asks an agent to run a test suite.
type TestRequestContent struct {
	TestFile   string         `json:"test_file"`
	TestType   string         `json:"test_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout,omitempty"`
}

// TestResultContent reports the outcome of a test run.
type TestResultContent struct {
	TestFile string   `json:"test_file"`
	Passed   bool     `json:"passed"`
	Output   string   `json:"output,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Duration float64  `json:"duration_seconds,omitempty"`
}

// StatusUpdateContent reports an agent's operational state.
type StatusUpdateContent struct {
	AgentID             string     `json:"agent_id"`
	State               AgentState `json:"state"`
	Progress            *float64   `json:"progress,omitempty"`
	CurrentTask         string     `json:"current_task,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// ContextUpdateContent shares updated context with other agents.
type ContextUpdateContent struct {
	ContextType string         `json:"context_type"`
	Data        map[string]any `json:"data"`
	Version     string         `json:"version,omitempty"`
}

// WorkflowRequestContent asks the engine to execute a workflow.
type WorkflowRequestContent struct {
	WorkflowName      string          `json:"workflow_name"`
	Steps             []WorkflowStep  `json:"steps"`
	Parameters        map[string]any  `json:"parameters,omitempty"`
	ParallelExecution bool            `json:"parallel_execution,omitempty"`
	FailureStrategy   FailureStrategy `json:"failure_strategy,omitempty"`
}

// ValidationRequestContent asks an agent to validate an artifact.
type ValidationRequestContent struct {
	ArtifactPath   string         `json:"artifact_path"`
	ValidationType string         `json:"validation_type"`
	Criteria       map[string]any `json:"criteria,omitempty"`
}

// DocumentationUpdateContent notifies agents of a documentation change.
type DocumentationUpdateContent struct {
	DocumentPath string `json:"document_path"`
	ChangeType   string `json:"change_type"`
	Summary      string `json:"summary,omitempty"`
}
