package entity

import "sort"

// LevelPlan is the result of topological layering over a task set. Levels
// execute strictly in order; entities within a level have all their
// in-set dependencies satisfied and may run concurrently. CycleMembers
// lists entities that were demoted to single-entity levels because they
// participate in a cycle within the supplied set.
type LevelPlan struct {
	Levels       [][]string
	CycleMembers []string
}

// ComputeLevels layers the supplied entity types by their dependencies.
// Dependencies absent from the set are treated as already satisfied.
// A cycle among the supplied entities is degraded, not fatal: each
// implicated entity gets its own trailing single-entity level so the run
// can still make partial progress, and the members are reported.
func ComputeLevels(deps map[string][]string, entityTypes []string) LevelPlan {
	inSet := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		inSet[t] = true
	}

	// Pending dependency count restricted to the task set
	remaining := make(map[string]int, len(entityTypes))
	dependents := make(map[string][]string)
	for _, t := range entityTypes {
		count := 0
		for _, dep := range deps[t] {
			if inSet[dep] {
				count++
				dependents[dep] = append(dependents[dep], t)
			}
		}
		remaining[t] = count
	}

	var plan LevelPlan
	placed := make(map[string]bool, len(entityTypes))
	for len(placed) < len(entityTypes) {
		var level []string
		for _, t := range entityTypes {
			if !placed[t] && remaining[t] == 0 {
				level = append(level, t)
			}
		}
		if len(level) == 0 {
			break // remaining entities form one or more cycles
		}
		sort.Strings(level)
		for _, t := range level {
			placed[t] = true
			for _, d := range dependents[t] {
				remaining[d]--
			}
		}
		plan.Levels = append(plan.Levels, level)
	}

	// Demote cycle members to their own single-entity levels
	var stuck []string
	for _, t := range entityTypes {
		if !placed[t] {
			stuck = append(stuck, t)
		}
	}
	sort.Strings(stuck)
	for _, t := range stuck {
		plan.Levels = append(plan.Levels, []string{t})
	}
	plan.CycleMembers = stuck

	return plan
}
