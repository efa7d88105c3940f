// Package schema defines the entity data model shared by the Entity
// Registry, the Import Engine, and the Orchestrator: the logical shape of
// an entity, independent of how it is expressed in configuration YAML
// (see internal/config) or stored physically (see internal/store).
package schema

import "time"

// Kind classifies an Entity's role in the pipeline.
type Kind string

const (
	KindDataset                Kind = "dataset"
	KindReferenceFlat          Kind = "reference_flat"
	KindReferenceHierarchical  Kind = "reference_hierarchical"
	KindReferenceSpatial       Kind = "reference_spatial"
)

// SemanticType tags what role a field plays within an entity's schema.
type SemanticType string

const (
	SemanticID             SemanticType = "id"
	SemanticName           SemanticType = "name"
	SemanticGeometry       SemanticType = "geometry"
	SemanticHierarchyLevel SemanticType = "hierarchy_level"
	SemanticLink           SemanticType = "link"
	SemanticAttribute      SemanticType = "attribute"
)

// Field describes one column of an entity's physical table and where it
// came from.
type Field struct {
	SourceColumn string
	TargetColumn string
	SemanticType SemanticType
}

// Schema is the ordered sequence of fields that make up an entity.
type Schema []Field

// FieldsOfType returns, in declared order, the target columns whose
// SemanticType matches t.
func (s Schema) FieldsOfType(t SemanticType) []string {
	var out []string
	for _, f := range s {
		if f.SemanticType == t {
			out = append(out, f.TargetColumn)
		}
	}
	return out
}

// HasColumn reports whether target is a declared target column.
func (s Schema) HasColumn(target string) bool {
	for _, f := range s {
		if f.TargetColumn == target {
			return true
		}
	}
	return false
}

// Link is a directed reference from a local field on this entity to a
// field on a peer entity, forming an edge in the referential graph.
type Link struct {
	PeerEntity string
	LocalField string
	PeerField  string
}

// Metadata is the bookkeeping information the Import Engine records for
// every entity it materializes.
type Metadata struct {
	ConnectorKind   string
	SourceDescriptor string
	CreatedAt       time.Time
	RowCount        int64
	Checksum        string
}

// HierarchyMetadata carries the extra bookkeeping reference_hierarchical
// entities need beyond Metadata.
type HierarchyMetadata struct {
	Levels []string
}

// SpatialMetadata carries the extra bookkeeping reference_spatial entities
// need beyond Metadata.
type SpatialMetadata struct {
	CRS string
}

// Definition is the logical description of an entity as produced by
// parsing configuration (internal/config) and consumed by Registry.Register.
type Definition struct {
	Name          string
	Kind          Kind
	Schema        Schema
	IDField       string // optional; empty means synthesize a row-hash id
	Links         []Link
	Metadata      Metadata
	Hierarchy     *HierarchyMetadata // set iff Kind == KindReferenceHierarchical
	Spatial       *SpatialMetadata   // set iff Kind == KindReferenceSpatial
}

// Record is the persisted form of an entity as returned by the Registry:
// a Definition plus the physical table it was assigned.
type Record struct {
	Definition
	PhysicalTable string
}
