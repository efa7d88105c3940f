package importer

import (
	"context"
	"fmt"
	"slices"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/hashid"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

// importDatasets runs phase 1 (spec.md §4.4): every declared dataset is
// read through its connector, projected to its declared schema, and
// registered. Datasets import independently of one another; order among
// them is irrelevant since no dataset may depend on another.
func (e *Engine) importDatasets(ctx context.Context) error {
	names := sortedKeys(e.Doc.Import.Entities.Datasets)
	for _, name := range names {
		ds := e.Doc.Import.Entities.Datasets[name]
		if err := e.importDataset(ctx, name, ds); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) importDataset(ctx context.Context, name string, ds config.DatasetSpec) error {
	if ds.Connector != "file" {
		return &nerr.ConfigError{Path: "import.entities.datasets." + name + ".connector",
			Message: fmt.Sprintf("unsupported dataset connector %q", ds.Connector)}
	}

	path, _ := ds.Options["path"].(string)
	if path == "" {
		return &nerr.ConfigError{Path: "import.entities.datasets." + name + ".options.path", Message: "path is required for the file connector"}
	}

	rawRows, err := store.ReadCSV(path)
	if err != nil {
		return err
	}

	sc, synthesized := buildSchema(ds.Schema)

	var rows []map[string]any
	seenIDs := make(map[string]bool, len(rawRows))
	for _, raw := range rawRows {
		projected, err := projectDatasetRow(name, ds.Schema, raw)
		if err != nil {
			return err
		}

		var id string
		if synthesized {
			id = hashIDOfRow(projected)
			projected["id"] = id
		} else {
			idCol := ds.Schema.IDField
			v, _ := projected[idCol].(string)
			if v == "" {
				return &nerr.SchemaError{Entity: name, Field: idCol, Cause: fmt.Errorf("id_field is empty for a row")}
			}
			id = v
		}
		if seenIDs[id] {
			return &nerr.IntegrityError{Kind: "duplicate_id", Entity: name, Message: fmt.Sprintf("duplicate id %q", id)}
		}
		seenIDs[id] = true

		rows = append(rows, projected)
	}

	table := name
	if err := store.RegisterTable(ctx, e.Store, table, sc, rows); err != nil {
		return err
	}

	def := schema.Definition{
		Name:    name,
		Kind:    schema.KindDataset,
		Schema:  sc,
		IDField: firstIDField(sc),
		Links:   linksOf(ds.Links),
		Metadata: schema.Metadata{
			ConnectorKind:    ds.Connector,
			SourceDescriptor: path,
			CreatedAt:        nowUTC(),
			RowCount:         int64(len(rows)),
			Checksum:         checksumOf(targetColumns(sc), int64(len(rows))),
		},
	}
	if err := e.Registry.Register(ctx, def, table); err != nil {
		return err
	}
	e.Log.Infof("imported dataset %s: %d rows into %s", name, len(rows), table)
	return nil
}

// projectDatasetRow applies a dataset's declared fields to a raw source
// row. A missing required field (every declared field is required for
// datasets; spec.md §4.4 has no incomplete_rows policy for datasets,
// unlike derived references) is a fatal SchemaError.
func projectDatasetRow(entity string, sc config.SchemaSpec, raw store.Row) (map[string]any, error) {
	out := make(map[string]any, len(sc.Fields))
	for _, f := range sc.Fields {
		v, ok := raw[f.Source]
		if !ok {
			return nil, schemaError(entity, f.Source, fmt.Errorf("declared source column not present in input"))
		}
		out[f.Target] = v
	}
	return out, nil
}

func hashIDOfRow(row map[string]any) string {
	keys := sortedMapKeys(row)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = fmt.Sprint(row[k])
	}
	return fmt.Sprintf("%d", hashid.FromColumns(values...))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedMapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func targetColumns(sc schema.Schema) []string {
	out := make([]string, len(sc))
	for i, f := range sc {
		out[i] = f.TargetColumn
	}
	return out
}

func firstIDField(sc schema.Schema) string {
	for _, f := range sc {
		if f.SemanticType == schema.SemanticID {
			return f.TargetColumn
		}
	}
	return ""
}
