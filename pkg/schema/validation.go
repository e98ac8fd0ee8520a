package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single violation found while validating a message
// or workflow definition.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationResult aggregates every issue found in one validation pass.
// Validators collect all violations rather than stopping at the first.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid reports whether no issues were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add records an issue at the given path.
func (r *ValidationResult) Add(path, format string, args ...any) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// Merge appends all issues from other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Issues = append(r.Issues, other.Issues...)
	}
}

// Err converts the result into an AgoraError, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	lines := make([]string, len(r.Issues))
	details := make([]map[string]any, len(r.Issues))
	for i, issue := range r.Issues {
		lines[i] = issue.String()
		details[i] = map[string]any{"path": issue.Path, "message": issue.Message}
	}
	return NewErrorf(ErrCodeValidation, "%d violation(s): %s", len(r.Issues), strings.Join(lines, "; ")).
		WithDetails(map[string]any{"violations": details})
}
