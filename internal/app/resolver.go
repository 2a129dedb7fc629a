package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/policy"
)

// Validation is the aggregate result of roster validation. Any error
// forbids startup; warnings are advisory.
type Validation struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the roster may be scheduled.
func (v Validation) OK() bool { return len(v.Errors) == 0 }

// dfs colors
const (
	colorWhite = iota // unvisited
	colorGray         // in progress
	colorBlack        // done
)

// ValidateRoster checks the dependency graph: every referenced role must
// be defined, and the graph must be acyclic. Roles are visited in sorted
// order so the same roster always yields the same errors and warnings.
func ValidateRoster(roles []policy.RoleSpec) Validation {
	var v Validation

	defined := make(map[string][]string, len(roles))
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		role := domain.NormalizeRole(r.Role)
		deps := make([]string, len(r.DependsOn))
		for i, d := range r.DependsOn {
			deps[i] = domain.NormalizeRole(d)
		}
		defined[role] = deps
		names = append(names, role)
	}
	sort.Strings(names)

	// Pass 1: missing references.
	for _, role := range names {
		for _, dep := range defined[role] {
			if _, ok := defined[dep]; !ok {
				v.Errors = append(v.Errors,
					fmt.Sprintf("unknown dependency %q referenced by %q", dep, role))
			}
		}
	}

	// Pass 2: cycles, three-color depth-first search. A back-edge to a
	// gray node closes a cycle; the path is reconstructed from the
	// recursion stack starting at the cycle origin.
	color := make(map[string]int, len(defined))
	var stack []string

	var visit func(role string)
	visit = func(role string) {
		color[role] = colorGray
		stack = append(stack, role)

		for _, dep := range defined[role] {
			if _, ok := defined[dep]; !ok {
				continue // already reported as missing
			}
			switch color[dep] {
			case colorWhite:
				visit(dep)
			case colorGray:
				origin := 0
				for i, r := range stack {
					if r == dep {
						origin = i
						break
					}
				}
				cycle := append(append([]string{}, stack[origin:]...), dep)
				v.Errors = append(v.Errors,
					"Circular dependency detected: "+strings.Join(cycle, " -> "))
			}
		}

		stack = stack[:len(stack)-1]
		color[role] = colorBlack
	}

	for _, role := range names {
		if color[role] == colorWhite {
			visit(role)
		}
	}

	// Advisory: a role no one depends on and that depends on nothing is
	// probably a roster typo when other roles are wired together.
	if len(names) > 1 {
		depended := make(map[string]bool)
		for _, deps := range defined {
			for _, d := range deps {
				depended[d] = true
			}
		}
		for _, role := range names {
			if len(defined[role]) == 0 && !depended[role] {
				v.Warnings = append(v.Warnings,
					fmt.Sprintf("role %q is isolated: nothing depends on it and it depends on nothing", role))
			}
		}
	}

	return v
}
