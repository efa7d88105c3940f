package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/query"
)

// perGrouper is the optional marker interface an Exporter implements to ask
// the Orchestrator for one Export call per group rather than one call with
// every group's payloads (spec.md §4.5: "per-group exporters... call
// export once per group"). CSVExporter does not implement it and so keeps
// its existing whole-archive behavior unmodified.
type perGrouper interface {
	PerGroup() bool
}

// ExportAll runs every export target in declaration order. Each target's
// output is namespaced under <out_dir>/<output_dir>/<target_name>/ so that
// per-group and whole-archive exporters covering the same entity always
// produce disjoint files (spec.md §9 Open Question, resolved).
func (o *Orchestrator) ExportAll(ctx context.Context) error {
	for _, target := range o.Doc.Export.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.exportTarget(ctx, target); err != nil {
			o.recordError(&nerr.ExportError{Target: target.Name, Cause: err})
		}
	}
	return nil
}

func (o *Orchestrator) exportTarget(ctx context.Context, target config.ExportTarget) error {
	extra := plugins.Params(target.Params.Extra)
	exporter, err := o.Plugins.Exporter(target.Exporter, extra)
	if err != nil {
		return err
	}
	perGroup := false
	if pg, ok := exporter.(perGrouper); ok {
		perGroup = pg.PerGroup()
	}

	outDir := filepath.Join(o.OutDir, target.Params.OutputDir, target.Name)
	pctx := &plugins.Context{Log: o.Log.Child(target.Name), OutDir: outDir}

	var whole []plugins.Payload
	for _, desc := range target.Params.Groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		groupKeys, err := o.filteredGroupKeys(ctx, desc)
		if err != nil {
			return err
		}

		for _, groupKey := range groupKeys {
			payloads := o.payloads.payloadsFor(desc.Entity, groupKey, desc.Widgets)
			if perGroup {
				params := mergeParams(extra, map[string]any{"group": groupKey})
				if _, err := exporter.Export(ctx, pctx, payloads, params, outDir); err != nil {
					o.recordError(&nerr.ExportError{Target: target.Name, Cause: fmt.Errorf("group %s: %w", groupKey, err)})
				}
				continue
			}
			whole = append(whole, payloads...)
		}
	}

	if !perGroup {
		if _, err := exporter.Export(ctx, pctx, whole, extra, outDir); err != nil {
			return err
		}
	}
	return nil
}

func mergeParams(base plugins.Params, extra map[string]any) plugins.Params {
	out := make(plugins.Params, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// filteredGroupKeys resolves a GroupDescriptor's entity table and returns
// every group key whose row matches desc.Filter (internal/query), or every
// group key if no filter is declared.
func (o *Orchestrator) filteredGroupKeys(ctx context.Context, desc config.GroupDescriptor) ([]string, error) {
	rec, err := o.Registry.Get(ctx, desc.Entity)
	if err != nil {
		return nil, err
	}
	idCol := idColumnOf(rec)

	rows, err := queryRows(ctx, o.Store, fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(rec.PhysicalTable)))
	if err != nil {
		return nil, err
	}

	var expr query.Expression
	if desc.Filter != "" {
		expr, err = query.Parse(desc.Filter)
		if err != nil {
			return nil, fmt.Errorf("group descriptor for %s: invalid filter %q: %w", desc.Entity, desc.Filter, err)
		}
	}
	var evaluator *query.Evaluator
	if expr != nil {
		evaluator = query.NewEvaluator(expr)
	}

	var keys []string
	for _, r := range rows {
		key := fmt.Sprint(r[idCol])
		if evaluator == nil {
			keys = append(keys, key)
			continue
		}
		qrow := make(query.Row, len(r))
		for k, v := range r {
			qrow[k] = fmt.Sprint(v)
		}
		matched, err := evaluator.Matches(qrow)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
