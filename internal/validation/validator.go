package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avandra/agora/internal/registry"
	"github.com/avandra/agora/pkg/schema"
)

// MessageValidator validates message envelopes and their type-specific
// content against the registry's compiled schemas. It collects every
// violation rather than stopping at the first one. Safe for concurrent use.
type MessageValidator struct {
	registry *registry.Registry
}

// NewMessageValidator creates a validator backed by the given registry.
func NewMessageValidator(reg *registry.Registry) *MessageValidator {
	return &MessageValidator{registry: reg}
}

// Validate checks the full message: envelope fields first, then the
// content against the schema for the message's type. Content validation
// is skipped when the type itself is unknown, since no schema applies.
func (v *MessageValidator) Validate(msg *schema.Message) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if msg == nil {
		result.Add("", "message is nil")
		return result
	}

	doc, err := toJSONValue(msg)
	if err != nil {
		result.Add("", "serialize message: %v", err)
		return result
	}
	if err := v.registry.Envelope().Validate(doc); err != nil {
		collectIssues(result, err)
	}

	if !msg.Type.IsValid() {
		return result
	}

	contentSchema, err := v.registry.Lookup(msg.Type)
	if err != nil {
		result.Add("/type", "%v", err)
		return result
	}

	contentDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(msg.Content)))
	if err != nil {
		result.Add("/content", "content is not valid JSON: %v", err)
		return result
	}
	if err := contentSchema.Validate(contentDoc); err != nil {
		collectContentIssues(result, err)
	}

	return result
}

// toJSONValue round-trips a Go value through JSON encoding so numeric
// values become json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectIssues walks a jsonschema validation error tree and records one
// issue per leaf cause.
func collectIssues(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.Add("", "%v", err)
		return
	}
	for _, leaf := range leafErrors(verr) {
		result.Add(instancePath(leaf, ""), "%s", leaf.Error())
	}
}

// collectContentIssues records issues with paths rooted at /content so
// envelope and content violations read uniformly.
func collectContentIssues(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.Add("/content", "%v", err)
		return
	}
	for _, leaf := range leafErrors(verr) {
		result.Add(instancePath(leaf, "/content"), "%s", leaf.Error())
	}
}

func leafErrors(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		leaves = append(leaves, leafErrors(cause)...)
	}
	return leaves
}

func instancePath(verr *jsonschema.ValidationError, prefix string) string {
	if len(verr.InstanceLocation) == 0 {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	return fmt.Sprintf("%s/%s", prefix, strings.Join(verr.InstanceLocation, "/"))
}
