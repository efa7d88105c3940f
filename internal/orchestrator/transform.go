package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/plugins"
)

// maxPureWorkers bounds the worker pool the Orchestrator offloads pure
// transformer groups onto (spec.md §5: "a bounded worker pool... when the
// transformer is declared pure").
const maxPureWorkers = 8

// TransformAll runs every transform section in declaration order, grouping
// each section's group_by entity's rows and invoking its widgets per group
// (spec.md §4.5).
func (o *Orchestrator) TransformAll(ctx context.Context) error {
	for _, section := range o.Doc.Transform {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.transformSection(ctx, section); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) transformSection(ctx context.Context, section config.TransformSpec) error {
	groupKeys, _, err := o.groupKeysOf(ctx, section.GroupBy)
	if err != nil {
		return err
	}

	widgetNames := make([]string, 0, len(section.Widgets))
	for name := range section.Widgets {
		widgetNames = append(widgetNames, name)
	}
	sort.Strings(widgetNames)

	sectionIsPure := len(widgetNames) > 0
	for _, name := range widgetNames {
		if !section.Widgets[name].Pure {
			sectionIsPure = false
			break
		}
	}

	process := func(groupKey string) {
		if err := ctx.Err(); err != nil {
			return
		}
		o.processGroup(ctx, section, groupKey, widgetNames)
	}

	if !sectionIsPure {
		for _, groupKey := range groupKeys {
			if err := ctx.Err(); err != nil {
				return err
			}
			process(groupKey)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(maxPureWorkers, runtime.NumCPU()))
	for _, groupKey := range groupKeys {
		groupKey := groupKey
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			process(groupKey)
			return nil
		})
	}
	return g.Wait()
}

// processGroup builds one group's joined input rows and invokes every
// configured widget against them; a widget failure is recorded as a
// TransformError and that widget's payload is simply absent for export, but
// the rest of the group and every other group continue (spec.md §7).
func (o *Orchestrator) processGroup(ctx context.Context, section config.TransformSpec, groupKey string, widgetNames []string) {
	inputs, err := o.buildInputs(ctx, section, groupKey)
	if err != nil {
		o.recordError(&nerr.TransformError{Kind: "inputs", Group: groupKey, Plugin: section.GroupBy, Cause: err})
		return
	}

	pctx := &plugins.Context{Log: o.Log.Child(groupKey), OutDir: o.OutDir}
	for _, name := range widgetNames {
		wspec := section.Widgets[name]
		params := plugins.Params(wspec.Params)
		transformer, err := o.Plugins.Transformer(wspec.Plugin, params)
		if err != nil {
			o.recordError(&nerr.TransformError{Kind: "lookup", Group: groupKey, Plugin: wspec.Plugin, Cause: err})
			continue
		}
		payload, err := transformer.Transform(ctx, pctx, inputs, params, groupKey)
		if err != nil {
			o.recordError(&nerr.TransformError{Kind: "transform", Group: groupKey, Plugin: wspec.Plugin, Cause: err})
			continue
		}
		o.payloads.set(section.GroupBy, groupKey, name, payload)
	}
}

// groupKeysOf resolves group_by's physical table and id column, then
// returns every row's id value as a string, sorted lexicographically
// (spec.md invariant 6).
func (o *Orchestrator) groupKeysOf(ctx context.Context, entity string) ([]string, string, error) {
	rec, err := o.Registry.Get(ctx, entity)
	if err != nil {
		return nil, "", err
	}
	idCol := idColumnOf(rec)

	rows, err := queryRows(ctx, o.Store, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
		quoteIdent(idCol), quoteIdent(rec.PhysicalTable), quoteIdent(idCol)))
	if err != nil {
		return nil, "", err
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, fmt.Sprint(r[idCol]))
	}
	return keys, idCol, nil
}

// buildInputs fetches, for each declared source of a transform section, the
// rows of its underlying dataset/reference table joined to one group key
// via the source's relation.key column, or every row if no relation is
// declared (spec.md §4.5: "inputs = {source_name -> rows ... where
// link_field = r.id}").
func (o *Orchestrator) buildInputs(ctx context.Context, section config.TransformSpec, groupKey string) (map[string][]plugins.Row, error) {
	inputs := make(map[string][]plugins.Row, len(section.Sources))
	for _, src := range section.Sources {
		table, err := o.Registry.ResolveTable(ctx, src.Data)
		if err != nil {
			return nil, err
		}

		var rows []plugins.Row
		if src.Relation != nil && src.Relation.Key != "" {
			rows, err = queryRows(ctx, o.Store,
				fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, quoteIdent(table), quoteIdent(src.Relation.Key)),
				groupKey)
		} else {
			rows, err = queryRows(ctx, o.Store, fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table)))
		}
		if err != nil {
			return nil, err
		}
		inputs[src.Name] = rows
	}
	return inputs, nil
}
