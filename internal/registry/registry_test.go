package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

func openTestRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "niamoto.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r, err := Open(ctx, s)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, ctx
}

func plotsDef() schema.Definition {
	return schema.Definition{
		Name: "plots",
		Kind: schema.KindDataset,
		Schema: schema.Schema{
			{SourceColumn: "plot_id", TargetColumn: "id", SemanticType: schema.SemanticID},
			{SourceColumn: "plot_name", TargetColumn: "name", SemanticType: schema.SemanticName},
		},
		IDField:  "id",
		Metadata: schema.Metadata{ConnectorKind: "file", CreatedAt: time.Now(), RowCount: 3},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, ctx := openTestRegistry(t)

	if err := r.Register(ctx, plotsDef(), "plots_tbl"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, err := r.Get(ctx, "plots")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.PhysicalTable != "plots_tbl" {
		t.Errorf("PhysicalTable = %q", rec.PhysicalTable)
	}
	if len(rec.Schema) != 2 {
		t.Errorf("Schema has %d fields, want 2", len(rec.Schema))
	}
}

func TestGetNotFound(t *testing.T) {
	r, ctx := openTestRegistry(t)
	_, err := r.Get(ctx, "missing")
	var regErr *nerr.RegistryError
	if err == nil {
		t.Fatal("want error")
	}
	if e, ok := err.(*nerr.RegistryError); !ok || !e.NotFound {
		t.Fatalf("want RegistryError{NotFound: true}, got %v (%T)", err, err)
	}
	_ = regErr
}

func TestRegisterRerunOverwritesAuthoritatively(t *testing.T) {
	r, ctx := openTestRegistry(t)
	def := plotsDef()

	if err := r.Register(ctx, def, "plots_tbl"); err != nil {
		t.Fatalf("Register (first): %v", err)
	}
	def.Metadata.RowCount = 7
	if err := r.Register(ctx, def, "plots_tbl"); err != nil {
		t.Fatalf("Register (re-run): %v", err)
	}

	rec, err := r.Get(ctx, "plots")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata.RowCount != 7 {
		t.Errorf("RowCount = %d, want 7 (re-run must be authoritative)", rec.Metadata.RowCount)
	}

	recs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("List returned %d records, want 1 after re-run", len(recs))
	}
}

func TestRegisterDuplicateNameDifferentKind(t *testing.T) {
	r, ctx := openTestRegistry(t)
	def := plotsDef()
	if err := r.Register(ctx, def, "plots_tbl"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	def2 := def
	def2.Kind = schema.KindReferenceFlat
	err := r.Register(ctx, def2, "plots_tbl2")
	if err == nil {
		t.Fatal("want RegistryError{DuplicateName: true}")
	}
	if e, ok := err.(*nerr.RegistryError); !ok || !e.DuplicateName {
		t.Fatalf("got %v (%T), want DuplicateName", err, err)
	}
}

func TestValidateGraphDetectsUnregisteredPeer(t *testing.T) {
	r, ctx := openTestRegistry(t)
	def := plotsDef()
	def.Links = []schema.Link{{PeerEntity: "taxa", LocalField: "id", PeerField: "id"}}
	if err := r.Register(ctx, def, "plots_tbl"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.ValidateGraph(ctx)
	if err == nil {
		t.Fatal("want IntegrityError for unregistered peer")
	}
	if e, ok := err.(*nerr.IntegrityError); !ok || e.Kind != "link" {
		t.Fatalf("got %v (%T), want IntegrityError{Kind: link}", err, err)
	}
}

func TestValidateGraphDetectsCycle(t *testing.T) {
	r, ctx := openTestRegistry(t)

	a := schema.Definition{
		Name:   "a",
		Kind:   schema.KindReferenceFlat,
		Schema: schema.Schema{{SourceColumn: "id", TargetColumn: "id"}, {SourceColumn: "b_id", TargetColumn: "b_id"}},
		Links:  []schema.Link{{PeerEntity: "b", LocalField: "b_id", PeerField: "id"}},
	}
	b := schema.Definition{
		Name:   "b",
		Kind:   schema.KindReferenceFlat,
		Schema: schema.Schema{{SourceColumn: "id", TargetColumn: "id"}, {SourceColumn: "a_id", TargetColumn: "a_id"}},
		Links:  []schema.Link{{PeerEntity: "a", LocalField: "a_id", PeerField: "id"}},
	}
	if err := r.Register(ctx, a, "a_tbl"); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register(ctx, b, "b_tbl"); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	err := r.ValidateGraph(ctx)
	if err == nil {
		t.Fatal("want IntegrityError for cycle")
	}
	if e, ok := err.(*nerr.IntegrityError); !ok || e.Kind != "cycle" {
		t.Fatalf("got %v (%T), want IntegrityError{Kind: cycle}", err, err)
	}
}

func TestListIsSortedByName(t *testing.T) {
	r, ctx := openTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mu"} {
		def := plotsDef()
		def.Name = name
		if err := r.Register(ctx, def, name+"_tbl"); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	recs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha", "mu", "zeta"}
	for i, w := range want {
		if recs[i].Name != w {
			t.Errorf("recs[%d].Name = %q, want %q", i, recs[i].Name, w)
		}
	}
}
