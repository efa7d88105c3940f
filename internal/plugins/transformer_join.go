package plugins

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("FieldAggregatorTransformer", newFieldAggregatorTransformer)
}

type fieldAggregatorTransformerSpec struct {
	// Source is the key, within a group's `inputs`, of the rows to aggregate.
	Source string `yaml:"source"`
}

// FieldAggregatorTransformer computes simple per-field aggregates (count,
// sum, mean, min, max) over one numeric column of the group's joined
// input rows. It is the stock transformer referenced by widgets.yml
// fixtures in spec.md's worked examples: a histogram or summary-statistics
// widget wraps it rather than reimplementing the aggregation.
type FieldAggregatorTransformer struct {
	name string
	spec *fieldAggregatorTransformerSpec
}

func newFieldAggregatorTransformer(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec fieldAggregatorTransformerSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode FieldAggregatorTransformer spec for %s: %w", name, err)
	}
	if spec.Source == "" {
		return 0, nil, fmt.Errorf("field 'source' not specified for plugin %s", name)
	}
	return CapabilityTransformer, &FieldAggregatorTransformer{name: name, spec: &spec}, nil
}

func (t *FieldAggregatorTransformer) Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error) {
	field := params.String("field", "")
	if field == "" {
		return nil, fmt.Errorf("%s: missing required param 'field'", t.name)
	}

	rows, ok := inputs[t.spec.Source]
	if !ok {
		return nil, fmt.Errorf("%s: no input source %q bound for group %q", t.name, t.spec.Source, groupKey)
	}

	var values []float64
	for _, row := range rows {
		raw, ok := row[field]
		if !ok {
			continue
		}
		v, err := toFloat(raw)
		if err != nil {
			continue
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return Payload{"group": groupKey, "field": field, "count": 0}, nil
	}

	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return Payload{
		"group": groupKey,
		"field": field,
		"count": len(values),
		"sum":   sum,
		"mean":  sum / float64(len(values)),
		"min":   values[0],
		"max":   values[len(values)-1],
	}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
