package store

import (
	"context"
	"encoding/json"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Messages
	WriteMessage(ctx context.Context, msg *StoredMessage) error
	GetMessage(ctx context.Context, id string) (*StoredMessage, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*StoredMessage, error)
	UpdateMessageStatus(ctx context.Context, id string, status string, result json.RawMessage) error

	// Agents (never deleted; unreachable agents go offline)
	UpsertAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	TouchAgent(ctx context.Context, id string) error

	// Workflow runs
	CreateRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// Step executions (materialized per-run view)
	UpsertStepExecution(ctx context.Context, exec *StepRecord) error
	ListStepExecutions(ctx context.Context, runID string) ([]*StepRecord, error)

	// Events (append-only log)
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Cleanup
	ArchiveMessages(ctx context.Context, cutoff CutoffFilter) (int64, error)
	PurgeMessages(ctx context.Context, cutoff CutoffFilter) (int64, error)
	CountArchived(ctx context.Context) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
