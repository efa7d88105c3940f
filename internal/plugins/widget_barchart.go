package plugins

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("BarChartWidget", newBarChartWidget)
}

type barChartWidgetSpec struct {
	Title string `yaml:"title"`
}

// BarChartWidget wraps a FieldAggregatorTransformer's summary-statistics
// payload and renders it as a minimal inline SVG bar: the min/mean/max of
// the aggregated field, scaled to a fixed width. It is intentionally
// small; real chart rendering is left to downstream consumers of the
// exported payload JSON, not to this pipeline.
type BarChartWidget struct {
	name   string
	spec   *barChartWidgetSpec
	inner  *FieldAggregatorTransformer
}

func newBarChartWidget(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec barChartWidgetSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode BarChartWidget spec for %s: %w", name, err)
	}

	// BarChartWidget delegates aggregation to a FieldAggregatorTransformer
	// built from the same spec subtree: both plugins accept a `source` field.
	_, innerAny, err := newFieldAggregatorTransformer(name+"/aggregator", specYAML)
	if err != nil {
		return 0, nil, err
	}

	return CapabilityWidget, &BarChartWidget{name: name, spec: &spec, inner: innerAny.(*FieldAggregatorTransformer)}, nil
}

func (w *BarChartWidget) Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error) {
	return w.inner.Transform(ctx, pctx, inputs, params, groupKey)
}

func (w *BarChartWidget) Render(p Payload) (string, error) {
	mean, _ := p["mean"].(float64)
	min, _ := p["min"].(float64)
	max, _ := p["max"].(float64)

	const width = 200
	barWidth := width
	if max > 0 {
		barWidth = int(mean / max * float64(width))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="40">`, width)
	if w.spec.Title != "" {
		fmt.Fprintf(&b, `<text x="0" y="12" font-size="10">%s</text>`, escapeSVGText(w.spec.Title))
	}
	fmt.Fprintf(&b, `<rect x="0" y="16" width="%d" height="16" fill="#e0e0e0"/>`, width)
	fmt.Fprintf(&b, `<rect x="0" y="16" width="%d" height="16" fill="#3b7ddd"/>`, barWidth)
	fmt.Fprintf(&b, `<text x="0" y="38" font-size="8">min=%.2f mean=%.2f max=%.2f</text>`, min, mean, max)
	b.WriteString(`</svg>`)
	return b.String(), nil
}

func escapeSVGText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
