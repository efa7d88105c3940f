package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/registry"
	"github.com/niamoto/niamoto-core/internal/store"
)

func newTestEngine(t *testing.T, doc *config.Document) (*Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "niamoto.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r, err := registry.Open(ctx, s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	return New(s, r, doc, nil), ctx
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func plotsCSV(t *testing.T, dir string) string {
	return writeCSV(t, dir, "plots.csv", "plot_id,plot_name,elevation\n1,Plot A,450\n2,Plot B,620\n")
}

func taxaCSV(t *testing.T, dir string) string {
	return writeCSV(t, dir, "taxa.csv",
		"family,genus,species,taxon_id\n"+
			"Myrtaceae,Eucalyptus,grandis,T1\n"+
			"Myrtaceae,Eucalyptus,saligna,T2\n"+
			"Myrtaceae,Syzygium,acre,T3\n")
}

func plotsDatasetDoc(dir string) *config.Document {
	var doc config.Document
	doc.Import.Entities.Datasets = map[string]config.DatasetSpec{
		"plots": {
			Connector: "file",
			Options:   map[string]any{"path": filepath.Join(dir, "plots.csv")},
			Schema: config.SchemaSpec{
				IDField: "id",
				Fields: []config.FieldSpec{
					{Source: "plot_id", Target: "id", Type: "id"},
					{Source: "plot_name", Target: "name", Type: "name"},
					{Source: "elevation", Target: "elevation"},
				},
			},
		},
	}
	return &doc
}

func TestImportDatasetPhase(t *testing.T) {
	dir := t.TempDir()
	plotsCSV(t, dir)
	doc := plotsDatasetDoc(dir)

	e, ctx := newTestEngine(t, doc)
	if err := e.importDatasets(ctx); err != nil {
		t.Fatalf("importDatasets: %v", err)
	}

	rec, err := e.Registry.Get(ctx, "plots")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", rec.Metadata.RowCount)
	}
}

func TestImportDatasetMissingPathIsConfigError(t *testing.T) {
	dir := t.TempDir()
	doc := plotsDatasetDoc(dir)
	ds := doc.Import.Entities.Datasets["plots"]
	ds.Options = map[string]any{}
	doc.Import.Entities.Datasets["plots"] = ds

	e, ctx := newTestEngine(t, doc)
	err := e.importDatasets(ctx)
	if err == nil {
		t.Fatal("want ConfigError for missing path")
	}
	if _, ok := err.(*nerr.ConfigError); !ok {
		t.Fatalf("got %v (%T), want ConfigError", err, err)
	}
}

func TestImportDerivedReferenceBuildsHierarchy(t *testing.T) {
	dir := t.TempDir()
	taxaCSV(t, dir)

	var doc config.Document
	doc.Import.Entities.Datasets = map[string]config.DatasetSpec{
		"taxa_raw": {
			Connector: "file",
			Options:   map[string]any{"path": filepath.Join(dir, "taxa.csv")},
			Schema: config.SchemaSpec{
				Fields: []config.FieldSpec{
					{Source: "family", Target: "family"},
					{Source: "genus", Target: "genus"},
					{Source: "species", Target: "species"},
					{Source: "taxon_id", Target: "taxon_id"},
				},
			},
		},
	}
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"taxon_ref": {
			Kind:      "reference_hierarchical",
			Connector: "derived",
			Hierarchy: &config.HierarchySpec{
				SourceEntity:   "taxa_raw",
				Levels:         []string{"family", "genus", "species"},
				IDColumn:       "taxon_id",
				IncompleteRows: "skip",
			},
		},
	}

	e, ctx := newTestEngine(t, &doc)
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := e.Registry.Get(ctx, "taxon_ref")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// 1 family + 2 genera (Eucalyptus, Syzygium) + 3 species = 6 rows.
	if rec.Metadata.RowCount != 6 {
		t.Errorf("RowCount = %d, want 6", rec.Metadata.RowCount)
	}

	table, err := e.Registry.ResolveTable(ctx, "taxon_ref")
	if err != nil {
		t.Fatalf("ResolveTable: %v", err)
	}
	rows, err := e.Store.Execute(ctx, `SELECT name, level, parent_id, external_id FROM "`+table+`" WHERE level = 'species' AND name = 'grandis'`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatal("no row found for species grandis")
	}
	var name, level string
	var parentID, externalID any
	if err := rows.Scan(&name, &level, &parentID, &externalID); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if externalID == nil || externalID == "" {
		t.Error("leaf row should preserve the external id column")
	}
}

func TestImportDerivedReferenceErrorPolicyOnIncompleteRow(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "taxa.csv", "family,genus,species\nMyrtaceae,,grandis\n")

	var doc config.Document
	doc.Import.Entities.Datasets = map[string]config.DatasetSpec{
		"taxa_raw": {
			Connector: "file",
			Options:   map[string]any{"path": filepath.Join(dir, "taxa.csv")},
			Schema: config.SchemaSpec{
				Fields: []config.FieldSpec{
					{Source: "family", Target: "family"},
					{Source: "genus", Target: "genus"},
					{Source: "species", Target: "species"},
				},
			},
		},
	}
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"taxon_ref": {
			Kind:      "reference_hierarchical",
			Connector: "derived",
			Hierarchy: &config.HierarchySpec{
				SourceEntity:   "taxa_raw",
				Levels:         []string{"family", "genus", "species"},
				IncompleteRows: "error",
			},
		},
	}

	e, ctx := newTestEngine(t, &doc)
	err := e.Run(ctx)
	if err == nil {
		t.Fatal("want IntegrityError for incomplete row under the error policy")
	}
	if e, ok := err.(*nerr.IntegrityError); !ok || e.Kind != "incomplete_row" {
		t.Fatalf("got %v (%T), want IntegrityError{Kind: incomplete_row}", err, err)
	}
}

func TestImportFlatReference(t *testing.T) {
	dir := t.TempDir()
	plotsCSV(t, dir)

	var doc config.Document
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"plot_ref": {
			Kind:      "reference_flat",
			Connector: "file",
			Path:      filepath.Join(dir, "plots.csv"),
			Schema: config.SchemaSpec{
				IDField: "id",
				Fields: []config.FieldSpec{
					{Source: "plot_id", Target: "id", Type: "id"},
					{Source: "plot_name", Target: "name", Type: "name"},
				},
			},
		},
	}

	e, ctx := newTestEngine(t, &doc)
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec, err := e.Registry.Get(ctx, "plot_ref")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", rec.Metadata.RowCount)
	}
}

func TestImportSpatialReferenceRejectsMissingCRS(t *testing.T) {
	var doc config.Document
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"grid_ref": {
			Kind:      "reference_spatial",
			Connector: "file",
			Path:      "grid.shp",
		},
	}

	e, ctx := newTestEngine(t, &doc)
	err := e.Run(ctx)
	if err == nil {
		t.Fatal("want ConfigError for missing crs")
	}
	if _, ok := err.(*nerr.ConfigError); !ok {
		t.Fatalf("got %v (%T), want ConfigError", err, err)
	}
}

func TestReferenceOrderDetectsCycle(t *testing.T) {
	var doc config.Document
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"a": {Kind: "reference_flat", Links: []config.LinkSpec{{Peer: "b", Local: "b_id", Field: "id"}}},
		"b": {Kind: "reference_flat", Links: []config.LinkSpec{{Peer: "a", Local: "a_id", Field: "id"}}},
	}
	e, _ := newTestEngine(t, &doc)
	_, err := e.referenceOrder()
	if err == nil {
		t.Fatal("want ConfigError for dependency cycle")
	}
	if _, ok := err.(*nerr.ConfigError); !ok {
		t.Fatalf("got %v (%T), want ConfigError", err, err)
	}
}

func TestReferenceOrderPutsSourceBeforeDerived(t *testing.T) {
	var doc config.Document
	doc.Import.Entities.References = map[string]config.ReferenceSpec{
		"species_ref": {
			Kind:      "reference_hierarchical",
			Connector: "derived",
			Hierarchy: &config.HierarchySpec{SourceEntity: "family_ref", Levels: []string{"name"}},
		},
		"family_ref": {
			Kind:      "reference_flat",
			Connector: "file",
		},
	}
	e, _ := newTestEngine(t, &doc)
	order, err := e.referenceOrder()
	if err != nil {
		t.Fatalf("referenceOrder: %v", err)
	}
	famIdx, specIdx := -1, -1
	for i, n := range order {
		if n == "family_ref" {
			famIdx = i
		}
		if n == "species_ref" {
			specIdx = i
		}
	}
	if famIdx == -1 || specIdx == -1 || famIdx > specIdx {
		t.Fatalf("order = %v, want family_ref before species_ref", order)
	}
}
