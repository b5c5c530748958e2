package orchestrator

import "fmt"

// defaultDependencies is the static dependency graph of spec.md §4.6.2:
// users and groups have no prerequisites; projects needs both; the
// metadata components need a project to scope custom fields/versions
// against; work_packages_skeleton needs every metadata component
// resolvable; work_packages_content needs the skeleton mapping; and the
// post-processing components need the full work-package mapping.
var defaultDependencies = map[string][]string{
	"users":                   {},
	"groups":                  {},
	"projects":                {"users", "groups"},
	"custom_fields":           {"projects"},
	"issue_types":             {"projects"},
	"statuses":                {"projects"},
	"workflows":               {"issue_types", "statuses"},
	"priorities":              {"projects"},
	"versions":                {"projects"},
	"components":              {"projects"},
	"labels":                  {"projects"},
	"work_packages_skeleton":  {"custom_fields", "issue_types", "statuses", "workflows", "priorities", "versions", "components", "labels"},
	"work_packages_content":   {"work_packages_skeleton"},
	"attachments":             {"work_packages_content"},
	"time_entries":            {"work_packages_content"},
	"relations":                {"work_packages_content"},
	"watchers":                {"work_packages_content"},
	"remote_links":            {"work_packages_content"},
	"inline_refs":             {"work_packages_content"},
}

// DefaultOrder returns the component names in spec.md §4.6.2's order, a
// fixed topological sort of defaultDependencies chosen for readability
// over the graph's many valid orderings.
func DefaultOrder() []string {
	return []string{
		"users", "groups", "projects",
		"custom_fields", "issue_types", "statuses", "workflows", "priorities", "versions", "components", "labels",
		"work_packages_skeleton", "work_packages_content",
		"attachments", "time_entries", "relations", "watchers", "remote_links", "inline_refs",
	}
}

// ResolveOrder validates an operator-supplied component order (or nil
// for the default) against defaultDependencies, rejecting an order that
// runs a component before any of its prerequisites.
func ResolveOrder(override []string) ([]string, error) {
	order := override
	if len(order) == 0 {
		order = DefaultOrder()
	}

	seen := make(map[string]bool, len(order))
	for _, name := range order {
		deps, ok := defaultDependencies[name]
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown component %q", name)
		}
		for _, dep := range deps {
			if !seen[dep] {
				return nil, fmt.Errorf("orchestrator: component %q scheduled before its dependency %q", name, dep)
			}
		}
		seen[name] = true
	}

	return order, nil
}
