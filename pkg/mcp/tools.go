package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avandra/agora/internal/bus"
	"github.com/avandra/agora/pkg/schema"
)

// handleSend validates and publishes a message.
func (s *AgoraServer) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender, err := req.RequireString("sender")
	if err != nil {
		return mcp.NewToolResultError("sender is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	msgType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	content := mcp.ParseStringMap(req, "content", nil)
	if content == nil {
		return mcp.NewToolResultError("content is required"), nil
	}

	raw, marshalErr := json.Marshal(content)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid content: %v", marshalErr)), nil
	}

	msg, sendErr := s.bus.Send(ctx, sender, target, schema.MessageType(msgType), raw)
	if sendErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send failed: %v", sendErr)), nil
	}

	return marshalResult(map[string]any{
		"message_id": msg.ID,
		"timestamp":  msg.Timestamp.Format(time.RFC3339),
		"status":     string(msg.Status),
	})
}

// handleRead returns messages addressed to the agent.
func (s *AgoraServer) handleRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	filter := bus.ReadFilter{
		Sender: req.GetString("sender", ""),
		Type:   schema.MessageType(req.GetString("type", "")),
		Status: schema.MessageStatus(req.GetString("status", string(schema.StatusPending))),
		Limit:  req.GetInt("limit", 0),
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", parseErr)), nil
		}
		filter.Since = &t
	}
	if until := req.GetString("until", ""); until != "" {
		t, parseErr := time.Parse(time.RFC3339, until)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid until timestamp: %v", parseErr)), nil
		}
		filter.Until = &t
	}

	messages, readErr := s.bus.Read(ctx, agentID, filter)
	if readErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read failed: %v", readErr)), nil
	}
	return marshalResult(map[string]any{"messages": messages, "count": len(messages)})
}

// handleUpdateStatus marks a message processed or failed.
func (s *AgoraServer) handleUpdateStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError("message_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}

	next := schema.MessageStatus(status)
	if next != schema.StatusProcessed && next != schema.StatusFailed {
		return mcp.NewToolResultError("status must be processed or failed"), nil
	}

	var result json.RawMessage
	if payload := mcp.ParseStringMap(req, "result", nil); payload != nil {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid result: %v", marshalErr)), nil
		}
		result = raw
	}

	if updateErr := s.bus.UpdateStatus(ctx, messageID, next, result); updateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", updateErr)), nil
	}

	return marshalResult(map[string]any{"message_id": messageID, "status": status})
}

// handleRunWorkflow executes a workflow definition synchronously.
func (s *AgoraServer) handleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	workflow := mcp.ParseStringMap(req, "workflow", nil)
	if workflow == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	raw, marshalErr := json.Marshal(workflow)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", marshalErr)), nil
	}

	// Route through the bus so the request is persisted and validated
	// like any other message.
	msg, sendErr := s.bus.Send(ctx, agentID, "workflow-engine", schema.TypeWorkflowRequest, raw)
	if sendErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow request rejected: %v", sendErr)), nil
	}

	var content schema.WorkflowRequestContent
	if decodeErr := msg.DecodeContent(&content); decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", decodeErr)), nil
	}

	run, execErr := s.executor.Execute(ctx, msg.ID, agentID, &content)
	if execErr != nil {
		_ = s.bus.MarkFailed(ctx, msg.ID)
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", execErr)), nil
	}

	outcome := map[string]any{
		"run_id":     run.ID,
		"request_id": run.RequestID,
		"workflow":   run.WorkflowName,
		"status":     string(run.Status),
		"error":      run.Error,
	}
	if raw, marshalErr := json.Marshal(outcome); marshalErr == nil {
		_ = s.bus.UpdateStatus(ctx, msg.ID, schema.StatusProcessed, raw)
	} else {
		_ = s.bus.MarkProcessed(ctx, msg.ID)
	}

	return marshalResult(outcome)
}

// handleWorkflowStatus returns a run and its step executions.
func (s *AgoraServer) handleWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	view, statusErr := s.executor.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(map[string]any{"run": view.Run, "steps": view.Steps})
}

// handleCleanup runs one retention pass.
func (s *AgoraServer) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	retentionDays := req.GetInt("retention_days", 0)
	archive := req.GetString("archive", "true") != "false"

	report, cleanErr := s.cleanup.Cleanup(ctx, retentionDays, archive)
	if cleanErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", cleanErr)), nil
	}
	return marshalResult(report)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
