package migrator

import (
	"fmt"
	"sort"
	"strings"
)

// MigrationPlan partitions the catalog into four priority-ordered phases.
// Dependencies always land in an equal-or-earlier phase than their dependents,
// regardless of priority tier; priority only decides ordering among entries
// whose dependencies are already satisfied.
type MigrationPlan struct {
	Phases [4][]MappingEntry
}

// Entries flattens the plan in execution order.
func (p MigrationPlan) Entries() []MappingEntry {
	var out []MappingEntry
	for _, phase := range p.Phases {
		out = append(out, phase...)
	}
	return out
}

// PhaseOf returns the phase index a pattern was planned into, or -1.
func (p MigrationPlan) PhaseOf(pattern string) int {
	for i, phase := range p.Phases {
		for _, e := range phase {
			if e.SourcePattern == pattern {
				return i
			}
		}
	}
	return -1
}

// PlanFilter narrows a run to a priority tier, a target table or a single
// source pattern. Zero value selects everything.
type PlanFilter struct {
	Priority Priority
	Table    string
	Pattern  string
}

func (f PlanFilter) admits(e MappingEntry) bool {
	if f.Priority != "" && f.Priority != PriorityAll && e.Priority != f.Priority {
		return false
	}
	if f.Table != "" && e.TargetTable != f.Table {
		return false
	}
	if f.Pattern != "" && e.SourcePattern != f.Pattern {
		return false
	}
	return true
}

// Plan topologically sorts the migrated entries over their dependency DAG and
// assigns each to a phase. A cycle aborts plan generation with the patterns
// still on the cycle named in the error.
func (r *Registry) Plan(filter PlanFilter) (MigrationPlan, error) {
	migrated := make([]MappingEntry, 0, len(r.entries))
	index := make(map[string]int)
	for _, e := range r.entries {
		if !e.Migrated() {
			continue
		}
		index[e.SourcePattern] = len(migrated)
		migrated = append(migrated, e)
	}

	// Kahn's algorithm; the ready set is drained best-priority-first so that
	// priority breaks ties among independent entries.
	indegree := make([]int, len(migrated))
	dependents := make([][]int, len(migrated))
	for i, e := range migrated {
		for _, dep := range e.Dependencies {
			j, ok := index[dep]
			if !ok {
				return MigrationPlan{}, fmt.Errorf("pattern %q depends on unplanned pattern %q", e.SourcePattern, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]int, 0, len(migrated))
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	phase := make([]int, len(migrated))
	var plan MigrationPlan
	placed := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			ea, eb := migrated[ready[a]], migrated[ready[b]]
			if ea.Priority.rank() != eb.Priority.rank() {
				return ea.Priority.rank() < eb.Priority.rank()
			}
			return ea.SourcePattern < eb.SourcePattern
		})

		i := ready[0]
		ready = ready[1:]
		e := migrated[i]

		// a dependent can never land in an earlier phase than its deepest
		// dependency
		p := e.Priority.rank()
		for _, dep := range e.Dependencies {
			if dp := phase[index[dep]]; dp > p {
				p = dp
			}
		}
		phase[i] = p
		plan.Phases[p] = append(plan.Phases[p], e)
		placed++

		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if placed != len(migrated) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, migrated[i].SourcePattern)
			}
		}
		sort.Strings(stuck)
		return MigrationPlan{}, fmt.Errorf("dependency cycle among patterns: %s", strings.Join(stuck, ", "))
	}

	if filter != (PlanFilter{}) {
		for i := range plan.Phases {
			kept := plan.Phases[i][:0]
			for _, e := range plan.Phases[i] {
				if filter.admits(e) {
					kept = append(kept, e)
				}
			}
			plan.Phases[i] = kept
		}
	}

	return plan, nil
}
