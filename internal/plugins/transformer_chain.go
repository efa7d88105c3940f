package plugins

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/niamoto/niamoto-core/internal/nerr"
)

func init() {
	registerFactory("ChainTransformer", newChainTransformer)
}

type chainStep struct {
	Plugin string         `yaml:"plugin"`
	Params map[string]any `yaml:"params,omitempty"`
}

type chainTransformerSpec struct {
	Steps []chainStep `yaml:"steps"`
}

// ChainTransformer runs an ordered list of steps, each a call into another
// registered Transformer; a step's params may reference an earlier step's
// payload field via `@steps[n].field` (spec.md §4.5, "transform chains").
// Chains are not recursive: a step may only reference strictly earlier
// steps, never itself or a later one.
type ChainTransformer struct {
	name     string
	spec     *chainTransformerSpec
	registry *Registry // wired in by NewRegistry once the full manifest is built
}

func newChainTransformer(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec chainTransformerSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode ChainTransformer spec for %s: %w", name, err)
	}
	if len(spec.Steps) == 0 {
		return 0, nil, fmt.Errorf("field 'steps' not specified for plugin %s", name)
	}
	return CapabilityTransformer, &ChainTransformer{name: name, spec: &spec}, nil
}

var chainRefPattern = regexp.MustCompile(`^@steps\[(\d+)\]\.(\w+)$`)

func (t *ChainTransformer) Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error) {
	results := make([]Payload, 0, len(t.spec.Steps))

	var last Payload
	for i, step := range t.spec.Steps {
		resolved := make(Params, len(step.Params))
		for k, v := range step.Params {
			s, isString := v.(string)
			if !isString {
				resolved[k] = v
				continue
			}
			m := chainRefPattern.FindStringSubmatch(s)
			if m == nil {
				resolved[k] = v
				continue
			}
			stepIdx, _ := strconv.Atoi(m[1])
			field := m[2]
			if stepIdx >= i || stepIdx >= len(results) {
				return nil, &nerr.ChainError{Step: i, Reference: s}
			}
			val, ok := results[stepIdx][field]
			if !ok {
				return nil, &nerr.ChainError{Step: i, Reference: s}
			}
			resolved[k] = val
		}

		transformer, err := t.registry.Transformer(step.Plugin, resolved)
		if err != nil {
			return nil, fmt.Errorf("chain %s step %d: %w", t.name, i, err)
		}
		payload, err := transformer.Transform(ctx, pctx, inputs, resolved, groupKey)
		if err != nil {
			return nil, fmt.Errorf("chain %s step %d: %w", t.name, i, err)
		}
		results = append(results, payload)
		last = payload
	}
	return last, nil
}
