package registry

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avandra/agora/pkg/schema"
)

// Registry holds the compiled envelope schema and the content schema for
// every message type. All schemas are compiled once at construction, so
// the registry is immutable and safe for concurrent use.
type Registry struct {
	envelope *jsonschema.Schema
	content  map[schema.MessageType]*jsonschema.Schema
}

// New compiles the embedded schemas into a ready-to-use registry.
func New() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	envDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	if err := c.AddResource("https://agora.dev/schemas/envelope.json", envDoc); err != nil {
		return nil, fmt.Errorf("add envelope schema resource: %w", err)
	}
	envelope, err := c.Compile("https://agora.dev/schemas/envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	content := make(map[schema.MessageType]*jsonschema.Schema, len(contentSchemas))
	for name, raw := range contentSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s content schema: %w", name, err)
		}
		url := fmt.Sprintf("https://agora.dev/schemas/content/%s.json", name)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s content schema resource: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s content schema: %w", name, err)
		}
		content[schema.MessageType(name)] = compiled
	}

	return &Registry{envelope: envelope, content: content}, nil
}

// Envelope returns the compiled schema for the outer message envelope.
func (r *Registry) Envelope() *jsonschema.Schema {
	return r.envelope
}

// Lookup returns the compiled content schema for the given message type.
func (r *Registry) Lookup(mt schema.MessageType) (*jsonschema.Schema, error) {
	s, ok := r.content[mt]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no content schema for message type %q", mt)
	}
	return s, nil
}

// Types returns the message types the registry knows about.
func (r *Registry) Types() []schema.MessageType {
	types := make([]schema.MessageType, 0, len(r.content))
	for mt := range r.content {
		types = append(types, mt)
	}
	return types
}
