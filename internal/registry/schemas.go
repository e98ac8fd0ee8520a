package registry

// Message schemas are embedded as constants to avoid filesystem
// dependencies. The envelope schema covers the outer message fields;
// each message type has its own content schema.

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agora.dev/schemas/envelope.json",
  "type": "object",
  "required": ["id", "timestamp", "sender", "target", "type", "content"],
  "properties": {
    "id": {
      "type": "string",
      "format": "uuid"
    },
    "timestamp": {
      "type": "string",
      "format": "date-time"
    },
    "sender": {
      "type": "string",
      "pattern": "^[a-zA-Z0-9_-]+$"
    },
    "target": {
      "type": "string",
      "pattern": "^(\\*|[a-zA-Z0-9_-]+)$"
    },
    "type": {
      "type": "string",
      "enum": [
        "test_request",
        "test_result",
        "status_update",
        "context_update",
        "workflow_request",
        "validation_request",
        "documentation_update"
      ]
    },
    "content": {
      "type": "object"
    },
    "status": {
      "type": "string",
      "enum": ["pending", "processed", "failed"]
    }
  },
  "additionalProperties": false
}`

// contentSchemas maps each message type to its content schema document.
var contentSchemas = map[string]string{
	"test_request": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["test_file", "test_type"],
  "properties": {
    "test_file": { "type": "string", "minLength": 1 },
    "test_type": { "type": "string", "enum": ["unit", "integration", "e2e", "performance"] },
    "parameters": { "type": "object" },
    "timeout": { "type": "integer", "minimum": 1, "maximum": 3600 }
  },
  "additionalProperties": false
}`,

	"test_result": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["test_file", "passed"],
  "properties": {
    "test_file": { "type": "string", "minLength": 1 },
    "passed": { "type": "boolean" },
    "output": { "type": "string" },
    "errors": { "type": "array", "items": { "type": "string" } },
    "duration_seconds": { "type": "number", "minimum": 0 }
  },
  "additionalProperties": false
}`,

	"status_update": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "state"],
  "properties": {
    "agent_id": { "type": "string", "pattern": "^[a-zA-Z0-9_-]+$" },
    "state": { "type": "string", "enum": ["idle", "busy", "error", "offline"] },
    "progress": { "type": "number", "minimum": 0, "maximum": 100 },
    "current_task": { "type": "string" },
    "estimated_completion": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": false
}`,

	"context_update": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["context_type", "data"],
  "properties": {
    "context_type": { "type": "string", "minLength": 1 },
    "data": { "type": "object" },
    "version": { "type": "string" }
  },
  "additionalProperties": false
}`,

	"workflow_request": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_name", "steps"],
  "properties": {
    "workflow_name": { "type": "string", "pattern": "^[a-zA-Z0-9_-]+$" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "parameters": { "type": "object" },
    "parallel_execution": { "type": "boolean" },
    "failure_strategy": { "type": "string", "enum": ["abort", "continue", "retry"] }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "action"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-zA-Z0-9_-]+$" },
        "action": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "timeout_seconds": { "type": "integer", "minimum": 1, "maximum": 3600 },
        "retry_count": { "type": "integer", "minimum": 0, "maximum": 5 },
        "depends_on": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    }
  }
}`,

	"validation_request": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["artifact_path", "validation_type"],
  "properties": {
    "artifact_path": { "type": "string", "minLength": 1 },
    "validation_type": { "type": "string", "minLength": 1 },
    "criteria": { "type": "object" }
  },
  "additionalProperties": false
}`,

	"documentation_update": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document_path", "change_type"],
  "properties": {
    "document_path": { "type": "string", "minLength": 1 },
    "change_type": { "type": "string", "enum": ["created", "updated", "deleted"] },
    "summary": { "type": "string" }
  },
  "additionalProperties": false
}`,
}
