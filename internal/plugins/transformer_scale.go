package plugins

import (
	"context"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("ScaleTransformer", newScaleTransformer)
}

// ScaleTransformer multiplies a `value` param by a `by` param, ignoring its
// inputs entirely. It exists to be the second step of a chain in spec.md
// §4.5 scenario 2, where `value` arrives already resolved from an earlier
// step's payload via `@steps[n].value`.
type ScaleTransformer struct {
	name string
}

func newScaleTransformer(name string, specYAML *yaml.Node) (Capability, any, error) {
	return CapabilityTransformer, &ScaleTransformer{name: name}, nil
}

func (t *ScaleTransformer) Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error) {
	value := params.Float("value", 0)
	by := params.Float("by", 1)
	return Payload{"value": value * by}, nil
}
