package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgoraServer(t *testing.T) {
	s := NewAgoraServer(AgoraServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewAgoraServer(AgoraServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"agora.send",
		"agora.read",
		"agora.update_status",
		"agora.run_workflow",
		"agora.workflow_status",
		"agora.cleanup",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"send", "agora.send", "Send a message to another agent or broadcast to all agents"},
		{"read", "agora.read", "Read messages addressed to an agent (direct or broadcast)"},
		{"update_status", "agora.update_status", "Mark a message as processed or failed"},
		{"run_workflow", "agora.run_workflow", "Execute a workflow definition and wait for the result"},
		{"workflow_status", "agora.workflow_status", "Get the status of a workflow run and its steps"},
		{"cleanup", "agora.cleanup", "Archive or purge terminal messages older than the retention window"},
	}

	s := NewAgoraServer(AgoraServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
