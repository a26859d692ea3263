package health

import (
	"fmt"
	"sort"
)

// WavePlan is the set of jobs a change reaches, grouped into waves. A job's
// wave is the length of the longest child path from the origin, so every job
// is scheduled after all of its reachable parents.
type WavePlan struct {
	Origin string
	Waves  [][]string
	// Errors holds child lookups that failed while planning; the job is kept
	// in the plan as a leaf.
	Errors map[string]error
}

// Size is the number of jobs in the plan, origin included.
func (p *WavePlan) Size() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// PlanWaves walks children from origin and layers the reachable subgraph.
// The graph is acyclic by construction; a cycle that slipped in anyway only
// truncates the plan, it never loops.
func PlanWaves(origin string, children func(string) ([]string, error)) (*WavePlan, error) {
	if children == nil {
		return nil, fmt.Errorf("plan waves: children lookup is nil")
	}
	plan := &WavePlan{Origin: origin, Errors: make(map[string]error)}

	edges := make(map[string][]string)
	seen := map[string]bool{origin: true}
	queue := []string{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := children(cur)
		if err != nil {
			plan.Errors[cur] = err
			continue
		}
		edges[cur] = kids
		for _, k := range kids {
			if !seen[k] {
				seen[k] = true
				queue = append(queue, k)
			}
		}
	}

	indeg := make(map[string]int, len(seen))
	for n := range seen {
		for _, k := range edges[n] {
			indeg[k]++
		}
	}

	depth := map[string]int{origin: 0}
	ready := []string{origin}
	if indeg[origin] != 0 {
		// The origin sits on a cycle; refuse rather than guess an order.
		return nil, fmt.Errorf("plan waves: %s is reachable from itself", origin)
	}
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		for _, k := range edges[cur] {
			if depth[cur]+1 > depth[k] {
				depth[k] = depth[cur] + 1
			}
			indeg[k]--
			if indeg[k] == 0 {
				ready = append(ready, k)
			}
		}
	}

	for n, d := range depth {
		if indeg[n] > 0 {
			continue
		}
		for len(plan.Waves) <= d {
			plan.Waves = append(plan.Waves, nil)
		}
		plan.Waves[d] = append(plan.Waves[d], n)
	}
	for _, w := range plan.Waves {
		sort.Strings(w)
	}
	return plan, nil
}
