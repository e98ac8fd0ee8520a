package validation

import (
	"strconv"

	"github.com/avandra/agora/pkg/schema"
)

// ValidateWorkflow performs the structural checks on a workflow request
// that JSON Schema cannot express: duplicate step names, dangling or
// forward dependency references, self-dependencies, out-of-range timeout
// and retry settings, and dependency cycles. All violations are collected
// into a single result.
func ValidateWorkflow(content *schema.WorkflowRequestContent) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if content == nil {
		result.Add("", "workflow request is nil")
		return result
	}
	if len(content.Steps) == 0 {
		result.Add("/steps", "workflow must have at least one step")
		return result
	}
	if content.FailureStrategy != "" && !content.FailureStrategy.IsValid() {
		result.Add("/failure_strategy", "unknown failure strategy %q", content.FailureStrategy)
	}

	declared := make(map[string]int, len(content.Steps))
	for i, step := range content.Steps {
		if _, dup := declared[step.Name]; dup {
			result.Add(stepPath(i, "name"), "duplicate step name %q", step.Name)
			continue
		}
		declared[step.Name] = i
	}

	for i, step := range content.Steps {
		if step.TimeoutSeconds != 0 &&
			(step.TimeoutSeconds < schema.MinStepTimeout || step.TimeoutSeconds > schema.MaxStepTimeout) {
			result.Add(stepPath(i, "timeout_seconds"), "timeout_seconds must be between %d and %d",
				schema.MinStepTimeout, schema.MaxStepTimeout)
		}
		if step.RetryCount < 0 || step.RetryCount > schema.MaxRetryCount {
			result.Add(stepPath(i, "retry_count"), "retry_count must be between 0 and %d", schema.MaxRetryCount)
		}
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				result.Add(stepPath(i, "depends_on"), "step %q depends on itself", step.Name)
				continue
			}
			at, ok := declared[dep]
			if !ok {
				result.Add(stepPath(i, "depends_on"), "step %q depends on unknown step %q", step.Name, dep)
				continue
			}
			// Dependencies must name an earlier-declared step.
			if at > i {
				result.Add(stepPath(i, "depends_on"), "step %q depends on %q which is declared later", step.Name, dep)
			}
		}
	}

	// Only run cycle detection on structurally sound graphs.
	if result.Valid() {
		if err := CheckAcyclic(content.Steps); err != nil {
			result.Add("/steps", "%v", err)
		}
	}

	return result
}

func stepPath(i int, field string) string {
	return "/steps/" + strconv.Itoa(i) + "/" + field
}
