package store

import (
	"encoding/json"
	"time"

	"github.com/avandra/agora/pkg/schema"
)

// StoredMessage is the persisted representation of a message envelope.
type StoredMessage struct {
	ID          string               `json:"id"`
	Timestamp   time.Time            `json:"timestamp"`
	Sender      string               `json:"sender"`
	Target      string               `json:"target"`
	Type        schema.MessageType   `json:"type"`
	Content     json.RawMessage      `json:"content"`
	Status      schema.MessageStatus `json:"status"`
	Result      json.RawMessage      `json:"result,omitempty"`
	ProcessedAt *time.Time           `json:"processed_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Message converts the stored row back into the wire envelope.
func (m *StoredMessage) Message() *schema.Message {
	return &schema.Message{
		ID:        m.ID,
		Timestamp: m.Timestamp,
		Sender:    m.Sender,
		Target:    m.Target,
		Type:      m.Type,
		Content:   m.Content,
		Status:    m.Status,
	}
}

// FromMessage builds a stored row from a wire envelope.
func FromMessage(msg *schema.Message) *StoredMessage {
	return &StoredMessage{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Sender:    msg.Sender,
		Target:    msg.Target,
		Type:      msg.Type,
		Content:   msg.Content,
		Status:    msg.Status,
	}
}

// MessageFilter narrows ListMessages queries. Zero values are ignored.
type MessageFilter struct {
	Target string
	Sender string
	Type   schema.MessageType
	Status schema.MessageStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// CutoffFilter selects messages eligible for archival.
type CutoffFilter struct {
	Before time.Time
	// TerminalOnly restricts archival to processed and failed messages.
	TerminalOnly bool
}

// AgentRecord is the persisted representation of a registered agent.
type AgentRecord struct {
	ID        string            `json:"id"`
	State     schema.AgentState `json:"state"`
	LastSeen  time.Time         `json:"last_seen"`
	CreatedAt time.Time         `json:"created_at"`
}

// RunRecord is the persisted representation of a workflow run.
type RunRecord struct {
	ID           string           `json:"id"`
	WorkflowName string           `json:"workflow_name"`
	RequestID    string           `json:"request_id,omitempty"`
	Definition   json.RawMessage  `json:"definition"`
	Status       schema.RunStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RunUpdate carries the mutable fields of a run. Nil fields are not touched.
type RunUpdate struct {
	Status     *schema.RunStatus
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunFilter narrows ListRuns queries. Zero values are ignored.
type RunFilter struct {
	WorkflowName string
	Status       *schema.RunStatus
	Since        *time.Time
	Limit        int
	Offset       int
}

// StepRecord is the persisted state of one step within a run.
type StepRecord struct {
	RunID      string            `json:"run_id"`
	StepName   string            `json:"step_name"`
	Status     schema.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}
