package validation

import (
	"sort"
	"strings"

	"github.com/avandra/agora/pkg/schema"
)

// CheckAcyclic runs Kahn's algorithm over the step dependency graph and
// returns a CYCLE_DETECTED error naming the steps left unresolved when
// the topological sort stalls. Callers must ensure all depends_on
// references resolve before calling.
func CheckAcyclic(steps []schema.WorkflowStep) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, step := range steps {
		if indegree[step.Name] == 0 {
			queue = append(queue, step.Name)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved == len(steps) {
		return nil
	}

	var cycle []string
	for name, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, name)
		}
	}
	sort.Strings(cycle)
	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"dependency cycle involving steps: %s", strings.Join(cycle, ", ")).
		WithDetails(map[string]any{"steps": cycle})
}
