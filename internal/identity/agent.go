package identity

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/pkg/schema"
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateAgentID checks that id is a legal agent identifier.
func ValidateAgentID(id string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if !agentIDPattern.MatchString(id) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent id %q: only letters, digits, _ and - are allowed", id)
	}
	return nil
}

// EnsureRegistered retrieves an existing agent or registers a new one in
// the idle state. Existing agents get their last_seen refreshed.
func EnsureRegistered(ctx context.Context, s store.Store, id string) (*store.AgentRecord, error) {
	if err := ValidateAgentID(id); err != nil {
		return nil, err
	}

	existing, err := s.GetAgent(ctx, id)
	if err == nil {
		_ = s.TouchAgent(ctx, id)
		return existing, nil
	}

	var agErr *schema.AgoraError
	if !errors.As(err, &agErr) || agErr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	agent := &store.AgentRecord{
		ID:       id,
		State:    schema.AgentIdle,
		LastSeen: time.Now().UTC(),
	}
	if err := s.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// SetState updates an agent's reported state, registering the agent first
// if needed. Agents are never deleted; offline is just another state.
func SetState(ctx context.Context, s store.Store, id string, state schema.AgentState) (*store.AgentRecord, error) {
	if !state.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid agent state %q", state)
	}
	if _, err := EnsureRegistered(ctx, s, id); err != nil {
		return nil, err
	}
	if err := s.UpsertAgent(ctx, &store.AgentRecord{
		ID:       id,
		State:    state,
		LastSeen: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// MarkStale flips agents whose last_seen is older than the threshold to
// offline. Returns the IDs that were transitioned.
func MarkStale(ctx context.Context, s store.Store, olderThan time.Duration) ([]string, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var flipped []string
	for _, a := range agents {
		if a.State == schema.AgentOffline || a.LastSeen.After(cutoff) {
			continue
		}
		a.State = schema.AgentOffline
		if err := s.UpsertAgent(ctx, a); err != nil {
			return flipped, err
		}
		flipped = append(flipped, a.ID)
	}
	return flipped, nil
}
