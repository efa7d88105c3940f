package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/niamoto/niamoto-core/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "niamoto.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterTableAndIntrospect(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sc := schema.Schema{
		{SourceColumn: "id", TargetColumn: "id", SemanticType: schema.SemanticID},
		{SourceColumn: "name", TargetColumn: "name", SemanticType: schema.SemanticName},
	}
	rows := []map[string]any{
		{"id": "1", "name": "Eucalyptus"},
		{"id": "2", "name": "Myrtaceae"},
	}

	if err := RegisterTable(ctx, s, "plant_occurrences", sc, rows); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}

	tables, err := s.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("want 1 table, got %d: %v", len(tables), tables)
	}
	if tables[0].Table != "plant_occurrences" {
		t.Errorf("table name = %q", tables[0].Table)
	}
	if tables[0].RowCount != 2 {
		t.Errorf("row count = %d, want 2", tables[0].RowCount)
	}
}

func TestRegisterTableOverwritesPriorContents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sc := schema.Schema{{SourceColumn: "id", TargetColumn: "id"}}

	if err := RegisterTable(ctx, s, "occurrences", sc, []map[string]any{{"id": "1"}, {"id": "2"}, {"id": "3"}}); err != nil {
		t.Fatalf("RegisterTable (first run): %v", err)
	}
	if err := RegisterTable(ctx, s, "occurrences", sc, []map[string]any{{"id": "1"}}); err != nil {
		t.Fatalf("RegisterTable (re-run): %v", err)
	}

	tables, err := s.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(tables) != 1 || tables[0].RowCount != 1 {
		t.Fatalf("re-run did not overwrite authoritatively: %+v", tables)
	}
}

func TestIntrospectExcludesMetaTables(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Exec(ctx, `CREATE TABLE `+MetaSchemaPrefix+`entities (name TEXT)`); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, err := s.Exec(ctx, `CREATE TABLE occurrences (id TEXT)`); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	tables, err := s.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(tables) != 1 || tables[0].Table != "occurrences" {
		t.Fatalf("meta table leaked into Introspect: %+v", tables)
	}
}

func TestReadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plots.csv")
	content := "id,name\n1,Plot A\n2,Plot B\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rows, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["name"] != "Plot A" {
		t.Errorf("rows[0][name] = %q", rows[0]["name"])
	}
}

func TestProjectMissingColumn(t *testing.T) {
	sc := schema.Schema{{SourceColumn: "plot_id", TargetColumn: "id"}}
	_, err := Project("plots", sc, Row{"other": "x"})
	if err == nil {
		t.Fatal("want error for missing source column, got nil")
	}
}

func TestBBoxIntersects(t *testing.T) {
	a := BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := BBox{MinX: 5, MinY: 5, MaxX: 15, MaxY: 15}
	c := BBox{MinX: 20, MinY: 20, MaxX: 30, MaxY: 30}

	if !a.Intersects(b) {
		t.Error("a and b should intersect")
	}
	if a.Intersects(c) {
		t.Error("a and c should not intersect")
	}
}
