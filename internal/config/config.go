// Package config defines the YAML structure of the declarative pipeline
// configuration (spec.md §6: import / transform / export) and loads it with
// strict unknown-key rejection, the way internal/repo's repo_config.go and
// the original swcat config.Load did for the catalog configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldSpec is one projected column within a DatasetSpec or ReferenceSpec schema.
type FieldSpec struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Type   string `yaml:"type,omitempty"` // semantic type; defaults to "attribute"
}

// SchemaSpec is the schema subtree shared by datasets and references.
type SchemaSpec struct {
	IDField string      `yaml:"id_field,omitempty"`
	Fields  []FieldSpec `yaml:"fields"`
}

// LinkSpec declares a referential edge from the owning entity to a peer.
type LinkSpec struct {
	Peer  string `yaml:"peer"`
	Local string `yaml:"local"`
	Field string `yaml:"field"` // peer_field
}

// DatasetSpec is the configuration for one `import.entities.datasets` entry.
type DatasetSpec struct {
	Connector string         `yaml:"connector"`
	Schema    SchemaSpec     `yaml:"schema"`
	Options   map[string]any `yaml:"options,omitempty"`
	Links     []LinkSpec     `yaml:"links,omitempty"`
}

// HierarchySpec configures a derived hierarchical reference's extraction.
type HierarchySpec struct {
	SourceEntity   string   `yaml:"source_entity"`
	Levels         []string `yaml:"levels"`
	IDColumn       string   `yaml:"id_column,omitempty"`
	NameColumn     string   `yaml:"name_column,omitempty"`
	IncompleteRows string   `yaml:"incomplete_rows,omitempty"` // skip | fill_unknown | error
	IDStrategy     string   `yaml:"id_strategy,omitempty"`
}

// FeatureSourceSpec is one member of a file_multi_feature connector.
type FeatureSourceSpec struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	NameField string `yaml:"name_field"`
}

// EnrichmentSpec configures an optional post-import Loader run on a reference.
type EnrichmentSpec struct {
	Plugin string         `yaml:"plugin"`
	Params map[string]any `yaml:"params,omitempty"`
}

// ReferenceSpec is the configuration for one `import.entities.references` entry.
type ReferenceSpec struct {
	Kind       string              `yaml:"kind"` // reference_flat | reference_hierarchical | reference_spatial
	Connector  string              `yaml:"connector,omitempty"`
	Path       string              `yaml:"path,omitempty"`
	Sources    []FeatureSourceSpec `yaml:"sources,omitempty"` // file_multi_feature
	Schema     SchemaSpec          `yaml:"schema"`
	Hierarchy  *HierarchySpec      `yaml:"hierarchy,omitempty"`
	Enrichment *EnrichmentSpec     `yaml:"enrichment,omitempty"`
	CRS        string              `yaml:"crs,omitempty"`
	Links      []LinkSpec          `yaml:"links,omitempty"`
}

// ImportSpec is the top-level `import` section.
type ImportSpec struct {
	Entities struct {
		Datasets   map[string]DatasetSpec   `yaml:"datasets"`
		References map[string]ReferenceSpec `yaml:"references"`
	} `yaml:"entities"`
}

// RelationSpec configures how a transform source joins to the group_by entity.
type RelationSpec struct {
	Plugin string   `yaml:"plugin,omitempty"`
	Key    string   `yaml:"key,omitempty"`
	Fields []string `yaml:"fields,omitempty"`
}

// SourceSpec is one entry of a transform section's `sources` list.
type SourceSpec struct {
	Name     string        `yaml:"name"`
	Data     string        `yaml:"data"`
	Relation *RelationSpec `yaml:"relation,omitempty"`
}

// WidgetSpec configures one named widget within a transform section.
type WidgetSpec struct {
	Plugin string         `yaml:"plugin"`
	Params map[string]any `yaml:"params,omitempty"`
	// Pure declares that this widget's Transform is a deterministic function
	// of its inputs with no side effects, letting the Orchestrator run it
	// across groups on a bounded worker pool (spec.md §5).
	Pure bool `yaml:"pure,omitempty"`
}

// TransformSpec is one entry of the top-level `transform` list.
type TransformSpec struct {
	GroupBy string                `yaml:"group_by"`
	Sources []SourceSpec          `yaml:"sources"`
	Widgets map[string]WidgetSpec `yaml:"widgets"`
}

// GroupDescriptor selects which entities and widgets an export target covers.
type GroupDescriptor struct {
	Entity  string   `yaml:"entity"`
	Widgets []string `yaml:"widgets"`
	// Filter is an optional query.Parse-able expression (internal/query)
	// restricting which group keys of Entity this descriptor covers.
	Filter string `yaml:"filter,omitempty"`
}

// ExportTargetParams is the params subtree of one export target.
type ExportTargetParams struct {
	OutputDir string            `yaml:"output_dir"`
	Groups    []GroupDescriptor `yaml:"groups"`
	Extra     map[string]any    `yaml:"extra,omitempty"`
}

// ExportTarget is one entry of the top-level `export.targets` list.
type ExportTarget struct {
	Name     string             `yaml:"name"`
	Exporter string             `yaml:"exporter"`
	Params   ExportTargetParams `yaml:"params"`
}

// ExportSpec is the top-level `export` section.
type ExportSpec struct {
	Targets []ExportTarget `yaml:"targets"`
}

// Document is the fully parsed configuration document (spec.md §6).
type Document struct {
	Version   string          `yaml:"version"`
	Import    ImportSpec      `yaml:"import"`
	Transform []TransformSpec `yaml:"transform"`
	Export    ExportSpec      `yaml:"export"`
}

// Load reads and strictly decodes a configuration document from path.
// Unknown keys are rejected at parse time (spec.md §6).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %q: %w", path, err)
	}
	return Parse(data)
}

// Parse strictly decodes a configuration document from raw YAML bytes.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid configuration YAML: %w", err)
	}
	return &doc, nil
}

// Marshal serializes a Document back to YAML. Combined with Parse, this
// supports the round-trip law in spec.md §8 (load -> serialize -> load is
// the identity on validated configurations).
func Marshal(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	enc.Close()
	return buf.Bytes(), nil
}
