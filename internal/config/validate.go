package config

import (
	"fmt"
	"regexp"

	"github.com/niamoto/niamoto-core/internal/nerr"
)

// nameRegex enforces the snake_case identifier spec.md §3 requires for
// entity names: lowercase alphanumerics and underscores, starting with a
// letter.
var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var validConnectors = map[string]bool{
	"file":               true,
	"file_multi_feature": true,
	"derived":            true,
}

var validIncompleteRowsPolicies = map[string]bool{
	"skip":         true,
	"fill_unknown": true,
	"error":        true,
	"":             true, // defaults to skip
}

// Validate performs the structural checks that can be made without
// consulting the registry: valid names, known connector kinds, and
// self-consistent hierarchy/spatial specs. Cross-entity checks (link
// closure, dependency cycles) are the Import Engine's job, since they
// require the full set of entity definitions (internal/importer).
func (d *Document) Validate() error {
	for name, ds := range d.Import.Entities.Datasets {
		if !nameRegex.MatchString(name) {
			return &nerr.ConfigError{Path: "import.entities.datasets." + name, Message: "entity name must be snake_case"}
		}
		if !validConnectors[ds.Connector] {
			return &nerr.ConfigError{Path: "import.entities.datasets." + name + ".connector", Message: fmt.Sprintf("unknown connector %q", ds.Connector)}
		}
		if ds.Connector == "derived" {
			return &nerr.ConfigError{Path: "import.entities.datasets." + name, Message: "datasets cannot use the derived connector; only references can"}
		}
	}
	for name, rs := range d.Import.Entities.References {
		if !nameRegex.MatchString(name) {
			return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "entity name must be snake_case"}
		}
		if err := rs.validate(name); err != nil {
			return err
		}
	}
	for i, ts := range d.Transform {
		if ts.GroupBy == "" {
			return &nerr.ConfigError{Path: fmt.Sprintf("transform[%d].group_by", i), Message: "group_by is required"}
		}
		if len(ts.Sources) == 0 {
			return &nerr.ConfigError{Path: fmt.Sprintf("transform[%d].sources", i), Message: "at least one source is required"}
		}
	}
	for i, tgt := range d.Export.Targets {
		if tgt.Name == "" {
			return &nerr.ConfigError{Path: fmt.Sprintf("export.targets[%d].name", i), Message: "name is required"}
		}
		if tgt.Params.OutputDir == "" {
			return &nerr.ConfigError{Path: fmt.Sprintf("export.targets[%d].params.output_dir", i), Message: "output_dir is required"}
		}
	}
	return nil
}

func (rs *ReferenceSpec) validate(name string) error {
	switch rs.Kind {
	case "reference_flat":
		// no extra requirements
	case "reference_hierarchical":
		if rs.Hierarchy == nil {
			return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "reference_hierarchical requires a hierarchy block"}
		}
		if len(rs.Hierarchy.Levels) == 0 {
			return &nerr.ConfigError{Path: "import.entities.references." + name + ".hierarchy.levels", Message: "at least one level is required"}
		}
		if !validIncompleteRowsPolicies[rs.Hierarchy.IncompleteRows] {
			return &nerr.ConfigError{Path: "import.entities.references." + name + ".hierarchy.incomplete_rows", Message: fmt.Sprintf("unknown policy %q", rs.Hierarchy.IncompleteRows)}
		}
	case "reference_spatial":
		if rs.CRS == "" {
			return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "reference_spatial requires a declared crs"}
		}
		geomFields := 0
		for _, f := range rs.Schema.Fields {
			if f.Type == "geometry" {
				geomFields++
			}
		}
		if geomFields > 1 || (len(rs.Sources) == 0 && geomFields == 0) {
			return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "reference_spatial requires exactly one geometry field"}
		}
	default:
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".kind", Message: fmt.Sprintf("unknown reference kind %q", rs.Kind)}
	}
	return nil
}
