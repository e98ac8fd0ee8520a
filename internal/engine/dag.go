package engine

import (
	"sort"
	"strings"

	"github.com/avandra/agora/pkg/schema"
)

// DAG is the in-memory execution graph of a workflow request. Step names
// are resolved to indices once at parse time; all traversal is index-based.
type DAG struct {
	Steps      []schema.WorkflowStep
	Index      map[string]int // step name -> index
	Deps       [][]int        // index -> dependency indices
	Dependents [][]int        // index -> dependent indices
	Order      []int          // topological order, declaration-order tiebreak
	Levels     [][]int        // parallel execution levels by dependency depth
}

// ParseDAG builds an executable DAG from a workflow request. It checks
// duplicates, dangling and self dependencies, runs Kahn's algorithm for
// topological sorting and cycle detection, and computes parallel levels.
func ParseDAG(content *schema.WorkflowRequestContent) (*DAG, error) {
	if content == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow request is nil")
	}
	n := len(content.Steps)
	if n == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:      content.Steps,
		Index:      make(map[string]int, n),
		Deps:       make([][]int, n),
		Dependents: make([][]int, n),
	}

	for i, step := range content.Steps {
		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty name", i)
		}
		if step.Action == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q has no action", step.Name)
		}
		if _, exists := dag.Index[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}
		dag.Index[step.Name] = i
	}

	for i, step := range content.Steps {
		seen := make(map[int]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			j, ok := dag.Index[dep]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s depends on non-existent step: %s", step.Name, dep)
			}
			if j == i {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.Name)
			}
			if seen[j] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", step.Name, dep)
			}
			seen[j] = true
			dag.Deps[i] = append(dag.Deps[i], j)
			dag.Dependents[j] = append(dag.Dependents[j], i)
		}
	}

	// Kahn's algorithm. Ready steps are drained in declaration order so
	// serial execution is deterministic.
	indegree := make([]int, n)
	for i := range dag.Deps {
		indegree[i] = len(dag.Deps[i])
	}
	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		sort.Ints(ready)
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, dep := range dag.Dependents[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != n {
		var cycle []string
		for i, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, content.Steps[i].Name)
			}
		}
		sort.Strings(cycle)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle involving: %s", strings.Join(cycle, ", "))
	}

	dag.Order = order
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// computeLevels groups step indices into parallel execution levels.
// A step's depth is one past the deepest of its dependencies.
func computeLevels(dag *DAG) [][]int {
	depth := make([]int, len(dag.Steps))
	maxLevel := 0
	for _, i := range dag.Order {
		d := 0
		for _, dep := range dag.Deps[i] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[i] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]int, maxLevel+1)
	for _, i := range dag.Order {
		levels[depth[i]] = append(levels[depth[i]], i)
	}
	return levels
}
