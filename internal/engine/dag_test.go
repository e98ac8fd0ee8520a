package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/agora/pkg/schema"
)

func wfContent(steps ...schema.WorkflowStep) *schema.WorkflowRequestContent {
	return &schema.WorkflowRequestContent{WorkflowName: "wf", Steps: steps}
}

func TestParseDAGLinearOrder(t *testing.T) {
	dag, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "fetch", Action: "noop"},
		schema.WorkflowStep{Name: "build", Action: "noop", DependsOn: []string{"fetch"}},
		schema.WorkflowStep{Name: "deploy", Action: "noop", DependsOn: []string{"build"}},
	))
	require.NoError(t, err)

	names := make([]string, 0, len(dag.Order))
	for _, idx := range dag.Order {
		names = append(names, dag.Steps[idx].Name)
	}
	assert.Equal(t, []string{"fetch", "build", "deploy"}, names)
	assert.Len(t, dag.Levels, 3)
}

func TestParseDAGDiamondLevels(t *testing.T) {
	dag, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "a", Action: "noop"},
		schema.WorkflowStep{Name: "b", Action: "noop", DependsOn: []string{"a"}},
		schema.WorkflowStep{Name: "c", Action: "noop", DependsOn: []string{"a"}},
		schema.WorkflowStep{Name: "d", Action: "noop", DependsOn: []string{"b", "c"}},
	))
	require.NoError(t, err)

	require.Len(t, dag.Levels, 3)
	assert.Equal(t, []int{0}, dag.Levels[0])
	assert.ElementsMatch(t, []int{1, 2}, dag.Levels[1])
	assert.Equal(t, []int{3}, dag.Levels[2])
}

func TestParseDAGCycle(t *testing.T) {
	_, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "x", Action: "noop", DependsOn: []string{"y"}},
		schema.WorkflowStep{Name: "y", Action: "noop", DependsOn: []string{"x"}},
	))
	require.Error(t, err)

	var agErr *schema.AgoraError
	require.ErrorAs(t, err, &agErr)
	assert.Equal(t, schema.ErrCodeCycleDetected, agErr.Code)
	assert.Contains(t, agErr.Message, "x")
	assert.Contains(t, agErr.Message, "y")
}

func TestParseDAGSelfDependency(t *testing.T) {
	_, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "solo", Action: "noop", DependsOn: []string{"solo"}},
	))
	var agErr *schema.AgoraError
	require.ErrorAs(t, err, &agErr)
	assert.Equal(t, schema.ErrCodeCycleDetected, agErr.Code)
}

func TestParseDAGDanglingDependency(t *testing.T) {
	_, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "a", Action: "noop", DependsOn: []string{"ghost"}},
	))
	var agErr *schema.AgoraError
	require.ErrorAs(t, err, &agErr)
	assert.Equal(t, schema.ErrCodeValidation, agErr.Code)
}

func TestParseDAGDuplicateName(t *testing.T) {
	_, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "a", Action: "noop"},
		schema.WorkflowStep{Name: "a", Action: "noop"},
	))
	var agErr *schema.AgoraError
	require.ErrorAs(t, err, &agErr)
	assert.Equal(t, schema.ErrCodeValidation, agErr.Code)
}

func TestParseDAGDeclarationOrderTiebreak(t *testing.T) {
	dag, err := ParseDAG(wfContent(
		schema.WorkflowStep{Name: "third", Action: "noop"},
		schema.WorkflowStep{Name: "first", Action: "noop"},
		schema.WorkflowStep{Name: "second", Action: "noop"},
	))
	require.NoError(t, err)
	// Independent steps keep declaration order.
	assert.Equal(t, []int{0, 1, 2}, dag.Order)
}
