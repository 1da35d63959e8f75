package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

// ErrDependencyCycle marks a module set whose declared dependencies
// cannot be ordered.
var ErrDependencyCycle = errors.New("module dependency graph contains a cycle")

// ResolveOrder produces the deterministic execution order for the
// requested modules. A module omitted by the caller is auto-included
// only when it bridges two requested modules, that is when it sits on a
// dependency path from one requested module down to another; a module
// requested on its own runs direct against the caller's domains, so its
// upstream producers are never pulled in uninvited.
func ResolveOrder(requested []string, profiles map[string]domain.ModuleProfile) ([]string, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("no modules requested")
	}

	requestedSet := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if _, ok := profiles[name]; !ok {
			return nil, &domain.ConfigurationError{Module: name, Reason: "unknown module"}
		}
		requestedSet[name] = struct{}{}
	}

	included := bridgeClosure(requestedSet, profiles)

	return topoSort(included, profiles)
}

// bridgeClosure returns the requested set plus every module lying on a
// dependency path between two requested modules. A module qualifies
// when a requested module transitively depends on it AND it transitively
// depends on a requested module.
func bridgeClosure(requestedSet map[string]struct{}, profiles map[string]domain.ModuleProfile) map[string]struct{} {
	included := make(map[string]struct{}, len(requestedSet))
	for name := range requestedSet {
		included[name] = struct{}{}
	}

	for name := range profiles {
		if _, ok := included[name]; ok {
			continue
		}
		if !reachesRequested(name, requestedSet, profiles) {
			continue
		}
		for req := range requestedSet {
			if dependsOn(req, name, profiles) {
				included[name] = struct{}{}
				break
			}
		}
	}
	return included
}

// dependsOn reports whether from transitively depends on target.
func dependsOn(from, target string, profiles map[string]domain.ModuleProfile) bool {
	seen := make(map[string]struct{})
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		for _, dep := range profiles[cur].Dependencies {
			if dep == target {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// reachesRequested reports whether module transitively depends on any
// requested module.
func reachesRequested(module string, requestedSet map[string]struct{}, profiles map[string]domain.ModuleProfile) bool {
	seen := make(map[string]struct{})
	stack := []string{module}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		for _, dep := range profiles[cur].Dependencies {
			if _, ok := requestedSet[dep]; ok {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// topoSort orders the included modules dependency-first. Only edges
// internal to the set count; a dependency outside the set is satisfied
// from persisted results or the caller's literal domains. The ready set
// stays sorted so the order is stable across runs.
func topoSort(included map[string]struct{}, profiles map[string]domain.ModuleProfile) ([]string, error) {
	inDegree := make(map[string]int, len(included))
	adj := make(map[string][]string, len(included))
	for name := range included {
		inDegree[name] = 0
	}
	for name := range included {
		for _, dep := range profiles[name].Dependencies {
			if _, ok := included[dep]; !ok {
				continue
			}
			adj[dep] = append(adj[dep], name)
			inDegree[name]++
		}
	}

	ready := make([]string, 0, len(included))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(included))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(included) {
		return nil, ErrDependencyCycle
	}
	return ordered, nil
}
