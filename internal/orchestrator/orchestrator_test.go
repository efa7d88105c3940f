package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/importer"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/registry"
	"github.com/niamoto/niamoto-core/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func setupPipeline(t *testing.T) (*Orchestrator, context.Context) {
	t.Helper()
	dir := t.TempDir()

	plotsPath := writeFile(t, dir, "plots.csv",
		"plot_id,plot_name,elevation\n1,Plot A,450\n2,Plot B,620\n")
	occPath := writeFile(t, dir, "occurrences.csv",
		"occ_id,plot_id,dbh\n"+
			"o1,1,10\n"+
			"o2,1,20\n"+
			"o3,1,30\n"+
			"o4,2,5\n")

	var doc config.Document
	doc.Import.Entities.Datasets = map[string]config.DatasetSpec{
		"plots": {
			Connector: "file",
			Options:   map[string]any{"path": plotsPath},
			Schema: config.SchemaSpec{
				IDField: "id",
				Fields: []config.FieldSpec{
					{Source: "plot_id", Target: "id", Type: "id"},
					{Source: "plot_name", Target: "name", Type: "name"},
					{Source: "elevation", Target: "elevation", Type: "attribute"},
				},
			},
		},
		"occurrences": {
			Connector: "file",
			Options:   map[string]any{"path": occPath},
			Schema: config.SchemaSpec{
				IDField: "id",
				Fields: []config.FieldSpec{
					{Source: "occ_id", Target: "id", Type: "id"},
					{Source: "plot_id", Target: "plot_id", Type: "link"},
					{Source: "dbh", Target: "dbh", Type: "attribute"},
				},
			},
			Links: []config.LinkSpec{{Peer: "plots", Local: "plot_id", Field: "id"}},
		},
	}

	doc.Transform = []config.TransformSpec{
		{
			GroupBy: "plots",
			Sources: []config.SourceSpec{
				{Name: "occ", Data: "occurrences", Relation: &config.RelationSpec{Key: "plot_id"}},
			},
			Widgets: map[string]config.WidgetSpec{
				"dbh_mean": {Plugin: "mean_dbh_stat", Params: map[string]any{"field": "dbh", "op": "mean"}},
				"growth":   {Plugin: "growth_index_chain"},
			},
		},
	}

	doc.Export.Targets = []config.ExportTarget{
		{
			Name:     "csv_export",
			Exporter: "csv_out",
			Params: config.ExportTargetParams{
				OutputDir: "csv",
				Groups: []config.GroupDescriptor{
					{Entity: "plots", Widgets: []string{"dbh_mean", "growth"}},
				},
			},
		},
		{
			Name:     "html_export",
			Exporter: "html_out",
			Params: config.ExportTargetParams{
				OutputDir: "html",
				Groups: []config.GroupDescriptor{
					{Entity: "plots", Widgets: []string{"dbh_mean", "growth"}},
				},
			},
		},
	}

	ctx := context.Background()
	s, err := store.Open(filepath.Join(dir, "niamoto.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	reg, err := registry.Open(ctx, s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	imp := importer.New(s, reg, &doc, nil)
	if err := imp.Run(ctx); err != nil {
		t.Fatalf("importer.Run: %v", err)
	}

	var manifest plugins.Manifest
	manifestYAML := `
plugins:
  mean_dbh_stat:
    kind: StatTransformer
    spec:
      source: occ
  scale_100:
    kind: ScaleTransformer
    spec: {}
  growth_index_chain:
    kind: ChainTransformer
    spec:
      steps:
        - plugin: mean_dbh_stat
          params:
            field: dbh
            op: mean
        - plugin: scale_100
          params:
            value: "@steps[0].value"
            by: 100
  csv_out:
    kind: CSVExporter
    spec:
      file_name: groups.csv
  html_out:
    kind: HTMLPageExporter
    spec: {}
`
	if err := yaml.Unmarshal([]byte(manifestYAML), &manifest); err != nil {
		t.Fatalf("yaml.Unmarshal manifest: %v", err)
	}
	pluginsReg, err := plugins.NewRegistry(&manifest)
	if err != nil {
		t.Fatalf("plugins.NewRegistry: %v", err)
	}

	outDir := filepath.Join(dir, "out")
	o := New(s, reg, pluginsReg, &doc, nil, outDir)
	return o, ctx
}

func TestTransformAllComputesPayloadsPerGroup(t *testing.T) {
	o, ctx := setupPipeline(t)
	if err := o.TransformAll(ctx); err != nil {
		t.Fatalf("TransformAll: %v", err)
	}
	if errs := o.Errors(); len(errs) != 0 {
		t.Fatalf("unexpected transform errors: %v", errs)
	}

	p, ok := o.payloads.get("plots", "1", "growth")
	if !ok {
		t.Fatal("no growth payload recorded for plot 1")
	}
	if got, want := p["value"], 2000.0; got != want {
		t.Errorf("growth payload for plot 1 = %v, want %v", got, want)
	}

	p2, ok := o.payloads.get("plots", "2", "growth")
	if !ok {
		t.Fatal("no growth payload recorded for plot 2")
	}
	if got, want := p2["value"], 500.0; got != want {
		t.Errorf("growth payload for plot 2 = %v, want %v", got, want)
	}
}

func TestExportAllWritesCSVAndHTML(t *testing.T) {
	o, ctx := setupPipeline(t)
	if err := o.TransformAll(ctx); err != nil {
		t.Fatalf("TransformAll: %v", err)
	}
	if err := o.ExportAll(ctx); err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if errs := o.Errors(); len(errs) != 0 {
		t.Fatalf("unexpected export errors: %v", errs)
	}

	csvPath := filepath.Join(o.OutDir, "csv", "csv_export", "groups.csv")
	if _, err := os.Stat(csvPath); err != nil {
		t.Errorf("expected CSV export at %s: %v", csvPath, err)
	}

	for _, plot := range []string{"1", "2"} {
		htmlPath := filepath.Join(o.OutDir, "html", "html_export", plot+".html")
		if _, err := os.Stat(htmlPath); err != nil {
			t.Errorf("expected HTML export at %s: %v", htmlPath, err)
		}
	}
}

func TestFilteredGroupKeysAppliesQueryFilter(t *testing.T) {
	o, ctx := setupPipeline(t)
	keys, err := o.filteredGroupKeys(ctx, config.GroupDescriptor{Entity: "plots", Filter: `elevation:620`})
	if err != nil {
		t.Fatalf("filteredGroupKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "2" {
		t.Errorf("filteredGroupKeys = %v, want [2]", keys)
	}
}
