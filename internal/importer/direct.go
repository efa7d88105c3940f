package importer

import (
	"context"
	"fmt"
	"regexp"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

var crsPattern = regexp.MustCompile(`^EPSG:\d+$`)

// importDirectReference runs phase 3 for one non-derived reference
// (spec.md §4.4): reference_flat and reference_spatial entities are read
// straight from their declared connector, unlike reference_hierarchical
// entities, which derive from an already-materialized source.
func (e *Engine) importDirectReference(ctx context.Context, name string, rs config.ReferenceSpec) error {
	switch rs.Kind {
	case "reference_flat":
		return e.importFlatReference(ctx, name, rs)
	case "reference_spatial":
		return e.importSpatialReference(ctx, name, rs)
	default:
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".kind",
			Message: fmt.Sprintf("unsupported reference kind %q for a non-derived connector", rs.Kind)}
	}
}

// importFlatReference handles the `file` connector for reference_flat
// entities: a plain CSV, projected and registered exactly like a dataset.
func (e *Engine) importFlatReference(ctx context.Context, name string, rs config.ReferenceSpec) error {
	if rs.Connector != "file" {
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".connector",
			Message: fmt.Sprintf("reference_flat requires the file connector, got %q", rs.Connector)}
	}
	if rs.Path == "" {
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".path", Message: "path is required for the file connector"}
	}

	rawRows, err := store.ReadCSV(rs.Path)
	if err != nil {
		return err
	}

	sc, synthesized := buildSchema(rs.Schema)

	rows, err := projectRowsWithIDs(name, rs.Schema, sc, synthesized, rawRows)
	if err != nil {
		return err
	}
	if err := requireUniqueIDs(name, firstIDField(sc), rows); err != nil {
		return err
	}

	table := name
	if err := store.RegisterTable(ctx, e.Store, table, sc, rows); err != nil {
		return err
	}

	def := schema.Definition{
		Name:    name,
		Kind:    schema.KindReferenceFlat,
		Schema:  sc,
		IDField: firstIDField(sc),
		Links:   linksOf(rs.Links),
		Metadata: schema.Metadata{
			ConnectorKind:    rs.Connector,
			SourceDescriptor: rs.Path,
			CreatedAt:        nowUTC(),
			RowCount:         int64(len(rows)),
			Checksum:         checksumOf(targetColumns(sc), int64(len(rows))),
		},
	}
	if err := e.Registry.Register(ctx, def, table); err != nil {
		return err
	}
	e.Log.Infof("imported reference_flat %s: %d rows into %s", name, len(rows), table)
	return nil
}

// importSpatialReference handles the `file` and `file_multi_feature`
// connectors for reference_spatial entities: one or several shapefiles are
// read, their geometries encoded as WKB, and the results registered under
// a single table. file_multi_feature aggregates heterogeneous sources into
// one table with a `source` discriminator column (spec.md §4.3) and
// namespaces ids by source so that two sources sharing a raw key never
// collide.
func (e *Engine) importSpatialReference(ctx context.Context, name string, rs config.ReferenceSpec) error {
	if rs.CRS == "" || !crsPattern.MatchString(rs.CRS) {
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".crs",
			Message: fmt.Sprintf("reference_spatial requires a crs declared as EPSG:<code>, got %q", rs.CRS)}
	}

	sc, synthesized := buildSchema(rs.Schema)
	sc = ensureGeometryColumn(sc)

	var rows []map[string]any
	var sourceDescriptor string

	switch rs.Connector {
	case "file":
		if rs.Path == "" {
			return &nerr.ConfigError{Path: "import.entities.references." + name + ".path", Message: "path is required for the file connector"}
		}
		features, err := store.ReadShapefile(rs.Path)
		if err != nil {
			return err
		}
		rows, err = projectFeatures(name, rs.Schema, sc, synthesized, "", features)
		if err != nil {
			return err
		}
		sourceDescriptor = rs.Path

	case "file_multi_feature":
		if len(rs.Sources) == 0 {
			return &nerr.ConfigError{Path: "import.entities.references." + name + ".sources", Message: "file_multi_feature requires at least one source"}
		}
		sc = ensureSourceColumn(sc)
		var descriptors []string
		for _, src := range rs.Sources {
			features, err := store.ReadShapefile(src.Path)
			if err != nil {
				return err
			}
			srcRows, err := projectFeatures(name, rs.Schema, sc, synthesized, src.Name, features)
			if err != nil {
				return err
			}
			rows = append(rows, srcRows...)
			descriptors = append(descriptors, src.Name+"="+src.Path)
		}
		sourceDescriptor = fmt.Sprint(descriptors)

	default:
		return &nerr.ConfigError{Path: "import.entities.references." + name + ".connector",
			Message: fmt.Sprintf("reference_spatial requires the file or file_multi_feature connector, got %q", rs.Connector)}
	}

	if err := requireUniqueIDs(name, firstIDField(sc), rows); err != nil {
		return err
	}

	table := name
	if err := store.RegisterTable(ctx, e.Store, table, sc, rows); err != nil {
		return err
	}

	def := schema.Definition{
		Name:    name,
		Kind:    schema.KindReferenceSpatial,
		Schema:  sc,
		IDField: firstIDField(sc),
		Links:   linksOf(rs.Links),
		Metadata: schema.Metadata{
			ConnectorKind:    rs.Connector,
			SourceDescriptor: sourceDescriptor,
			CreatedAt:        nowUTC(),
			RowCount:         int64(len(rows)),
			Checksum:         checksumOf(targetColumns(sc), int64(len(rows))),
		},
		Spatial: &schema.SpatialMetadata{CRS: rs.CRS},
	}
	if err := e.Registry.Register(ctx, def, table); err != nil {
		return err
	}
	e.Log.Infof("imported reference_spatial %s: %d rows into %s", name, len(rows), table)
	return nil
}

func ensureGeometryColumn(sc schema.Schema) schema.Schema {
	if len(sc.FieldsOfType(schema.SemanticGeometry)) > 0 {
		return sc
	}
	return append(sc, schema.Field{TargetColumn: "geometry", SemanticType: schema.SemanticGeometry})
}

func ensureSourceColumn(sc schema.Schema) schema.Schema {
	if sc.HasColumn("source") {
		return sc
	}
	return append(sc, schema.Field{TargetColumn: "source", SemanticType: schema.SemanticAttribute})
}

// projectRowsWithIDs applies projectDatasetRow over raw CSV rows and
// assigns each one an id, synthesizing a row-hash id when the reference's
// schema declares no id_field.
func projectRowsWithIDs(entity string, spec config.SchemaSpec, sc schema.Schema, synthesized bool, raw []store.Row) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		projected, err := projectDatasetRow(entity, spec, r)
		if err != nil {
			return nil, err
		}
		if synthesized {
			projected["id"] = hashIDOfRow(projected)
		} else if v, _ := projected[spec.IDField].(string); v == "" {
			return nil, &nerr.SchemaError{Entity: entity, Field: spec.IDField, Cause: fmt.Errorf("id_field is empty for a row")}
		}
		rows = append(rows, projected)
	}
	return rows, nil
}

// projectFeatures projects shapefile Features into rows, attaching the
// geometry column and, when sourceName is non-empty, the source
// discriminator and source-namespaced id.
func projectFeatures(entity string, spec config.SchemaSpec, sc schema.Schema, synthesized bool, sourceName string, features []store.Feature) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(features))
	geomCol := "geometry"
	if cols := sc.FieldsOfType(schema.SemanticGeometry); len(cols) > 0 {
		geomCol = cols[0]
	}

	for _, f := range features {
		projected := make(map[string]any, len(spec.Fields)+2)
		for _, fl := range spec.Fields {
			v, ok := f.Attrs[fl.Source]
			if !ok {
				v = "" // heterogeneous sources may not share every attribute column
			}
			projected[fl.Target] = v
		}
		projected[geomCol] = f.GeometryWKB
		if sourceName != "" {
			projected["source"] = sourceName
		}

		idCol := "id"
		var id string
		if synthesized {
			id = hashIDOfRow(projected)
		} else {
			idCol = spec.IDField
			id, _ = projected[idCol].(string)
			if id == "" {
				return nil, &nerr.SchemaError{Entity: entity, Field: idCol, Cause: fmt.Errorf("id_field is empty for a row")}
			}
		}
		if sourceName != "" {
			id = sourceName + ":" + id
		}
		projected[idCol] = id

		rows = append(rows, projected)
	}
	return rows, nil
}

func requireUniqueIDs(entity, idCol string, rows []map[string]any) error {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		id, _ := r[idCol].(string)
		if seen[id] {
			return &nerr.IntegrityError{Kind: "duplicate_id", Entity: entity, Message: fmt.Sprintf("duplicate id %q", id)}
		}
		seen[id] = true
	}
	return nil
}
