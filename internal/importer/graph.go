package importer

import (
	"slices"

	"github.com/niamoto/niamoto-core/internal/nerr"
)

// referenceOrder computes a topological order over the configured
// references, edges being `derived.source_entity` dependencies plus
// declared `links` (spec.md §4.4: "DAG from derived.source_entity edges
// plus declared links; cycle detection fails with ConfigError"). Dataset
// names are valid dependency targets but are not themselves ordered here,
// since all datasets import in phase 1 before any reference is touched.
func (e *Engine) referenceOrder() ([]string, error) {
	refs := e.Doc.Import.Entities.References

	deps := make(map[string][]string, len(refs))
	for name, rs := range refs {
		var ds []string
		if rs.Connector == "derived" && rs.Hierarchy != nil && rs.Hierarchy.SourceEntity != "" {
			// A derived reference's source_entity may itself be a dataset, not
			// a reference; only reference-to-reference edges participate in
			// this ordering (datasets are already materialized by the time
			// any reference phase runs).
			if _, isRef := refs[rs.Hierarchy.SourceEntity]; isRef {
				ds = append(ds, rs.Hierarchy.SourceEntity)
			}
		}
		for _, l := range rs.Links {
			if _, isRef := refs[l.Peer]; isRef {
				ds = append(ds, l.Peer)
			}
		}
		deps[name] = ds
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	slices.Sort(names)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "dependency cycle detected"}
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
