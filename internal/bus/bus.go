package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avandra/agora/internal/expressions"
	"github.com/avandra/agora/internal/identity"
	"github.com/avandra/agora/internal/logging"
	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/internal/validation"
	"github.com/avandra/agora/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds the delivery channel and filters for one subscription.
type subscriber struct {
	agentID string
	pattern string
	where   string
	ch      chan *schema.Message
}

// Bus routes validated messages between agents. Delivery is push when
// a matching subscriber is listening; otherwise the message stays pending
// in the store until the target pulls it via Read.
type Bus struct {
	store     store.Store
	validator *validation.MessageValidator
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	cel *expressions.CELEngine
}

// New creates a Bus on top of the given store and validator.
func New(s store.Store, v *validation.MessageValidator, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		logger.Warn("where filters disabled", slog.Any("error", err))
	}
	return &Bus{
		store:     s,
		validator: v,
		logger:    logger,
		subs:      make(map[uint64]*subscriber),
		cel:       cel,
	}
}

// Send builds a pending envelope, validates it, persists it, and pushes
// it to any listening subscribers. The sender is registered on first use,
// and status_update content mirrors into the sender's agent record.
func (b *Bus) Send(ctx context.Context, sender, target string, mt schema.MessageType, content json.RawMessage) (*schema.Message, error) {
	msg := schema.NewMessage(sender, target, mt, content)

	if result := b.validator.Validate(msg); !result.Valid() {
		return nil, result.Err()
	}
	if _, err := identity.EnsureRegistered(ctx, b.store, sender); err != nil {
		return nil, err
	}

	if err := b.store.WriteMessage(ctx, store.FromMessage(msg)); err != nil {
		return nil, err
	}

	if mt == schema.TypeStatusUpdate {
		b.mirrorAgentState(ctx, msg)
	}

	ctx = logging.WithMessageID(ctx, msg.ID)
	b.logger.DebugContext(ctx, "message stored",
		slog.String("type", string(mt)), slog.String("target", target))

	b.push(msg)
	return msg, nil
}

// mirrorAgentState reflects a status_update into the agent record so
// agent state queries do not need to scan messages.
func (b *Bus) mirrorAgentState(ctx context.Context, msg *schema.Message) {
	var content schema.StatusUpdateContent
	if err := msg.DecodeContent(&content); err != nil {
		return
	}
	if _, err := identity.SetState(ctx, b.store, content.AgentID, content.State); err != nil {
		b.logger.WarnContext(ctx, "mirror agent state failed",
			slog.String("agent_id", content.AgentID), slog.Any("error", err))
	}
}

// push delivers the message to every subscriber whose agent and pattern
// match. Non-blocking: a full channel drops the push and the message
// remains pending for a later Read.
func (b *Bus) push(msg *schema.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if msg.Target != schema.BroadcastTarget && msg.Target != sub.agentID {
			continue
		}
		if !MatchPattern(sub.pattern, string(msg.Type)) {
			continue
		}
		if sub.where != "" {
			ok, err := b.matchWhere(sub.where, msg)
			if err != nil {
				b.logger.Warn("where filter failed",
					slog.String("agent_id", sub.agentID), slog.Any("error", err))
				continue
			}
			if !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			// backpressure: slow subscriber misses the push, pulls later
		}
	}
}

// Subscribe registers a live delivery channel for the agent, filtered by
// a dot-glob pattern over message types. Returns the channel and a cancel
// function that removes the subscription.
func (b *Bus) Subscribe(ctx context.Context, agentID, pattern string) (<-chan *schema.Message, func(), error) {
	return b.SubscribeWhere(ctx, agentID, pattern, "")
}

// SubscribeWhere is Subscribe with an additional CEL predicate over the
// message envelope (`msg`) and decoded content (`content`); only
// messages for which it evaluates true are pushed.
func (b *Bus) SubscribeWhere(ctx context.Context, agentID, pattern, where string) (<-chan *schema.Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if where != "" && b.cel == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "where filters are unavailable")
	}
	if _, err := identity.EnsureRegistered(ctx, b.store, agentID); err != nil {
		return nil, nil, err
	}
	if pattern == "" {
		pattern = "*"
	}

	id := b.seq.Add(1)
	ch := make(chan *schema.Message, defaultChannelBuffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{agentID: agentID, pattern: pattern, where: where, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, nil
}

// Read pulls stored messages addressed to the agent (including
// broadcasts), optionally narrowed by type and status.
func (b *Bus) Read(ctx context.Context, agentID string, filter ReadFilter) ([]*schema.Message, error) {
	if _, err := identity.EnsureRegistered(ctx, b.store, agentID); err != nil {
		return nil, err
	}
	stored, err := b.store.ListMessages(ctx, store.MessageFilter{
		Target: agentID,
		Sender: filter.Sender,
		Type:   filter.Type,
		Status: filter.Status,
		Since:  filter.Since,
		Until:  filter.Until,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	msgs := make([]*schema.Message, 0, len(stored))
	for _, m := range stored {
		msg := m.Message()
		if filter.Where != "" {
			ok, err := b.matchWhere(filter.Where, msg)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// matchWhere evaluates a CEL predicate against the message envelope and
// its decoded content.
func (b *Bus) matchWhere(where string, msg *schema.Message) (bool, error) {
	if b.cel == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "where filters are unavailable")
	}

	envelope := map[string]any{
		"id":        msg.ID,
		"sender":    msg.Sender,
		"target":    msg.Target,
		"type":      string(msg.Type),
		"status":    string(msg.Status),
		"timestamp": msg.Timestamp.Format(time.RFC3339),
	}
	var content map[string]any
	if len(msg.Content) > 0 {
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "decode content for where filter: %v", err)
		}
	}
	return b.cel.Match(context.Background(), where, envelope, content)
}

// Pending is shorthand for reading the agent's undelivered messages.
func (b *Bus) Pending(ctx context.Context, agentID string) ([]*schema.Message, error) {
	return b.Read(ctx, agentID, ReadFilter{Status: schema.StatusPending})
}

// UpdateStatus transitions a message to a terminal status, recording an
// optional result payload alongside it.
func (b *Bus) UpdateStatus(ctx context.Context, id string, status schema.MessageStatus, result json.RawMessage) error {
	return b.store.UpdateMessageStatus(ctx, id, string(status), result)
}

// MarkProcessed transitions a message to processed.
func (b *Bus) MarkProcessed(ctx context.Context, id string) error {
	return b.UpdateStatus(ctx, id, schema.StatusProcessed, nil)
}

// MarkFailed transitions a message to failed.
func (b *Bus) MarkFailed(ctx context.Context, id string) error {
	return b.UpdateStatus(ctx, id, schema.StatusFailed, nil)
}

// ReadFilter narrows Read queries. Zero values are ignored. Where is a
// CEL predicate over `msg` (envelope) and `content`, applied after the
// store query.
type ReadFilter struct {
	Sender string
	Type   schema.MessageType
	Status schema.MessageStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Where  string
}
