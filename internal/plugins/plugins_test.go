package plugins

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/niamoto/niamoto-core/internal/config"
)

// widgetDoc builds a minimal config.Document with a single transform
// section and widget, for exercising Registry.ValidateReferences.
func widgetDoc(groupBy, widget, plugin string, params map[string]any) *config.Document {
	return &config.Document{
		Transform: []config.TransformSpec{{
			GroupBy: groupBy,
			Widgets: map[string]config.WidgetSpec{
				widget: {Plugin: plugin, Params: params},
			},
		}},
	}
}

func parseManifest(t *testing.T, doc string) *Manifest {
	t.Helper()
	var m Manifest
	if err := yaml.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	return &m
}

func TestRegistryRegistersAndLooksUpByCapability(t *testing.T) {
	m := parseManifest(t, `
plugins:
  plot_elevation_stats:
    kind: FieldAggregatorTransformer
    params:
      - name: field
        required: true
    spec:
      source: plots
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, err := r.Transformer("plot_elevation_stats", Params{"field": "elevation"}); err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	if _, err := r.Exporter("plot_elevation_stats", Params{"field": "elevation"}); err == nil {
		t.Fatal("want error looking up a transformer as an exporter")
	}
}

func TestRegistryMissingRequiredParam(t *testing.T) {
	m := parseManifest(t, `
plugins:
  plot_elevation_stats:
    kind: FieldAggregatorTransformer
    params:
      - name: field
        required: true
    spec:
      source: plots
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Transformer("plot_elevation_stats", Params{}); err != nil {
		t.Fatalf("Transformer lookup itself should not validate params: %v", err)
	}
	if err := r.ValidateReferences(widgetDoc("plots", "w1", "plot_elevation_stats", nil)); err == nil {
		t.Fatal("want error for missing required param")
	}
}

func TestRegistryConstraintViolation(t *testing.T) {
	m := parseManifest(t, `
plugins:
  plot_elevation_stats:
    kind: FieldAggregatorTransformer
    params:
      - name: field
        required: true
      - name: top_n
        constraint: "value > 0"
    spec:
      source: plots
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	violating := widgetDoc("plots", "w1", "plot_elevation_stats", map[string]any{"field": "elevation", "top_n": -1})
	if err := r.ValidateReferences(violating); err == nil {
		t.Fatal("want error for constraint violation")
	}
	satisfying := widgetDoc("plots", "w1", "plot_elevation_stats", map[string]any{"field": "elevation", "top_n": 5})
	if err := r.ValidateReferences(satisfying); err != nil {
		t.Fatalf("want no error for constraint-satisfying param, got %v", err)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	m := parseManifest(t, `
plugins:
  bogus:
    kind: DoesNotExist
    spec: {}
`)
	if _, err := NewRegistry(m); err == nil {
		t.Fatal("want error for unknown plugin kind")
	}
}

func TestWidgetSatisfiesTransformerLookup(t *testing.T) {
	m := parseManifest(t, `
plugins:
  elevation_chart:
    kind: BarChartWidget
    spec:
      title: Elevation
      source: plots
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Transformer("elevation_chart", Params{"field": "elevation"}); err != nil {
		t.Fatalf("Transformer lookup of a Widget should succeed: %v", err)
	}
	w, err := r.Widget("elevation_chart", Params{"field": "elevation"})
	if err != nil {
		t.Fatalf("Widget: %v", err)
	}

	ctx := context.Background()
	pctx := &Context{}
	payload, err := w.Transform(ctx, pctx, map[string][]Row{"plots": {{"elevation": 100.0}, {"elevation": 300.0}}}, Params{"field": "elevation"}, "group1")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	svg, err := w.Render(payload)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if svg == "" {
		t.Error("Render returned empty string")
	}
}

func TestChainTransformerResolvesStepReferences(t *testing.T) {
	m := parseManifest(t, `
plugins:
  mean_dbh:
    kind: StatTransformer
    spec:
      source: occ
  scale_100:
    kind: ScaleTransformer
    spec: {}
  growth_index:
    kind: ChainTransformer
    spec:
      steps:
        - plugin: mean_dbh
          params:
            field: dbh
            op: mean
        - plugin: scale_100
          params:
            value: "@steps[0].value"
            by: 100
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	chain, err := r.Transformer("growth_index", Params{})
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}

	ctx := context.Background()
	pctx := &Context{}
	inputs := map[string][]Row{"occ": {{"dbh": 10.0}, {"dbh": 20.0}, {"dbh": 30.0}}}
	payload, err := chain.Transform(ctx, pctx, inputs, Params{}, "Eucalyptus|grandis")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if diff := cmp.Diff(Payload{"value": 2000.0}, payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestChainTransformerUnresolvedReferenceFails(t *testing.T) {
	m := parseManifest(t, `
plugins:
  scale_100:
    kind: ScaleTransformer
    spec: {}
  broken_chain:
    kind: ChainTransformer
    spec:
      steps:
        - plugin: scale_100
          params:
            value: "@steps[5].value"
`)
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	chain, err := r.Transformer("broken_chain", Params{})
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	_, err = chain.Transform(context.Background(), &Context{}, nil, Params{}, "group1")
	if err == nil {
		t.Fatal("want ChainError for unresolved step reference")
	}
}
