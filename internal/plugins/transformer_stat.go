package plugins

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("StatTransformer", newStatTransformer)
}

type statTransformerSpec struct {
	Source string `yaml:"source"`
}

// StatTransformer reduces one numeric column of a group's joined input rows
// to a single named value, the shape a chain step expects to expose to
// later steps via `@steps[n].value` (spec.md §4.5 scenario 2). It is a
// single-value sibling of FieldAggregatorTransformer, which always returns
// the full stat bundle.
type StatTransformer struct {
	name string
	spec *statTransformerSpec
}

func newStatTransformer(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec statTransformerSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode StatTransformer spec for %s: %w", name, err)
	}
	if spec.Source == "" {
		return 0, nil, fmt.Errorf("field 'source' not specified for plugin %s", name)
	}
	return CapabilityTransformer, &StatTransformer{name: name, spec: &spec}, nil
}

func (t *StatTransformer) Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error) {
	field := params.String("field", "")
	if field == "" {
		return nil, fmt.Errorf("%s: missing required param 'field'", t.name)
	}
	op := params.String("op", "mean")

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
		return Payload{"value": 0.0, "op": op, "field": field}, nil
	}

	var value float64
	switch op {
	case "sum":
		for _, v := range values {
			value += v
		}
	case "count":
		value = float64(len(values))
	case "min":
		value = values[0]
		for _, v := range values[1:] {
			if v < value {
				value = v
			}
		}
	case "max":
		value = values[0]
		for _, v := range values[1:] {
			if v > value {
				value = v
			}
		}
	default: // mean
		var sum float64
		for _, v := range values {
			sum += v
		}
		value = sum / float64(len(values))
	}

	return Payload{"value": value, "op": op, "field": field}, nil
}
