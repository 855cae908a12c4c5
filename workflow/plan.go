package workflow

import "github.com/apphub/orchestra/apperr"

// Plan returns the step ids in topological order, stable by declaration order
// on ties (Kahn's algorithm with an ordered frontier). Validate guarantees
// acyclicity for definitions accepted at submit time; Plan still detects
// cycles defensively for definitions deserialized from older stores.
func (d *Definition) Plan() ([]string, error) {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	position := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		position[step.ID] = i
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Frontier kept sorted by declaration order.
	var frontier []string
	for _, step := range d.Steps {
		if indegree[step.ID] == 0 {
			frontier = append(frontier, step.ID)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(frontier) > 0 {
		// Pick the earliest-declared eligible step.
		best := 0
		for i := 1; i < len(frontier); i++ {
			if position[frontier[i]] < position[frontier[best]] {
				best = i
			}
		}
		id := frontier[best]
		frontier = append(frontier[:best], frontier[best+1:]...)
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if len(order) != len(d.Steps) {
		return nil, apperr.New(apperr.KindValidation, "workflow %q step graph has a cycle", d.Slug)
	}
	return order, nil
}
