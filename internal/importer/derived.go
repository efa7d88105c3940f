package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/hashid"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

// derivedRow is one materialized row of a hierarchical reference: a single
// level of a single path, e.g. the "Eucalyptus" row within the
// "Myrtaceae|Eucalyptus" path.
type derivedRow struct {
	id         int64
	parentID   *int64
	path       string
	level      string
	levelIndex int
	name       string
	externalID string // preserved only on the leaf level (spec.md scenario 1)
}

// importDerivedReference runs phase 2 for one `derived` reference
// (spec.md §4.4): extract distinct level-column tuples from the already
// materialized source dataset, build the forward hierarchical path per
// tuple, hash each prefix into a stable id, and resolve parent ids by
// path-prefix lookup.
func (e *Engine) importDerivedReference(ctx context.Context, name string, rs config.ReferenceSpec) error {
	if rs.Hierarchy == nil {
		return &nerr.ConfigError{Path: "import.entities.references." + name, Message: "derived connector requires a hierarchy block"}
	}
	h := rs.Hierarchy

	sourceTable, err := e.Registry.ResolveTable(ctx, h.SourceEntity)
	if err != nil {
		return fmt.Errorf("derived reference %q: %w", name, err)
	}

	tuples, err := e.distinctLevelTuples(ctx, sourceTable, h)
	if err != nil {
		return err
	}

	policy := h.IncompleteRows
	if policy == "" {
		policy = "skip"
	}

	rowsByPath := make(map[string]*derivedRow)
	var order []string // distinct paths; sorted below so row order is deterministic

	for _, tup := range tuples {
		levels, ok, err := applyIncompleteRowsPolicy(name, tup.levels, policy)
		if err != nil {
			return err
		}
		if !ok {
			continue // skip policy dropped this row
		}

		for depth := 1; depth <= len(levels); depth++ {
			path := strings.Join(levels[:depth], "|")
			if _, exists := rowsByPath[path]; exists {
				continue // DISTINCT on path (spec.md §4.4 tie-break)
			}
			id := hashid.FromPath(levels[:depth]...)
			var parentID *int64
			if depth > 1 {
				// pid is a pure function of the parent path, so it's stable
				// regardless of whether the parent row was materialized yet.
				pid := hashid.FromPath(levels[:depth-1]...)
				parentID = &pid
			}

			row := &derivedRow{
				id:         id,
				parentID:   parentID,
				path:       path,
				level:      h.Levels[depth-1],
				levelIndex: depth - 1,
				name:       levels[depth-1],
			}
			if depth == len(levels) && h.IDColumn != "" {
				row.externalID = tup.externalID
			}
			rowsByPath[path] = row
			order = append(order, path)
		}
	}

	sort.Strings(order)
	rows := make([]map[string]any, 0, len(order))
	for _, path := range order {
		r := rowsByPath[path]
		row := map[string]any{
			"id":    fmt.Sprint(r.id),
			"name":  r.name,
			"level": r.level,
			"path":  r.path,
		}
		if r.parentID != nil {
			row["parent_id"] = fmt.Sprint(*r.parentID)
		} else {
			row["parent_id"] = ""
		}
		if r.externalID != "" {
			row["external_id"] = r.externalID
		}
		rows = append(rows, row)
	}

	sc := schema.Schema{
		{TargetColumn: "id", SemanticType: schema.SemanticID},
		{TargetColumn: "name", SemanticType: schema.SemanticName},
		{TargetColumn: "level", SemanticType: schema.SemanticHierarchyLevel},
		{TargetColumn: "path", SemanticType: schema.SemanticAttribute},
		{TargetColumn: "parent_id", SemanticType: schema.SemanticLink},
	}
	if h.IDColumn != "" {
		sc = append(sc, schema.Field{TargetColumn: "external_id", SemanticType: schema.SemanticAttribute})
	}

	table := name
	if err := store.RegisterTable(ctx, e.Store, table, sc, rows); err != nil {
		return err
	}

	def := schema.Definition{
		Name:    name,
		Kind:    schema.KindReferenceHierarchical,
		Schema:  sc,
		IDField: "id",
		Links:   linksOf(rs.Links),
		Metadata: schema.Metadata{
			ConnectorKind:    "derived",
			SourceDescriptor: h.SourceEntity,
			CreatedAt:        nowUTC(),
			RowCount:         int64(len(rows)),
			Checksum:         checksumOf(targetColumns(sc), int64(len(rows))),
		},
		Hierarchy: &schema.HierarchyMetadata{Levels: h.Levels},
	}
	if err := e.Registry.Register(ctx, def, table); err != nil {
		return err
	}
	e.Log.Infof("imported derived reference %s: %d rows (%d levels) into %s", name, len(rows), len(h.Levels), table)
	return nil
}

// levelTuple is one distinct combination of level-column values read from
// the source dataset, plus the external id column value on the row that
// produced it (used only at the leaf level).
type levelTuple struct {
	levels     []string
	externalID string
}

func (e *Engine) distinctLevelTuples(ctx context.Context, sourceTable string, h *config.HierarchySpec) ([]levelTuple, error) {
	cols := append([]string{}, h.Levels...)
	if h.IDColumn != "" {
		cols = append(cols, h.IDColumn)
	}

	colList := make([]string, len(cols))
	for i, c := range cols {
		colList[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(colList, ", "), strings.ReplaceAll(sourceTable, `"`, `""`))

	rows, err := e.Store.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []levelTuple
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		levels := make([]string, len(h.Levels))
		for i := range h.Levels {
			levels[i] = fmt.Sprint(vals[i])
		}
		key := strings.Join(levels, "|")
		if seen[key] {
			continue // DISTINCT on path (spec.md §4.4 tie-break)
		}
		seen[key] = true

		tup := levelTuple{levels: levels}
		if h.IDColumn != "" {
			tup.externalID = fmt.Sprint(vals[len(h.Levels)])
		}
		out = append(out, tup)
	}
	return out, nil
}

// applyIncompleteRowsPolicy applies the hierarchy's incomplete_rows policy
// to one level tuple. Each missing ancestor is treated as its own
// sentinel value (spec.md §9, Open Question resolution), not a single
// shared sentinel for the whole row.
func applyIncompleteRowsPolicy(entity string, levels []string, policy string) ([]string, bool, error) {
	out := make([]string, len(levels))
	copy(out, levels)

	for i, v := range out {
		if v == "" || v == "<nil>" {
			switch policy {
			case "skip":
				return nil, false, nil
			case "fill_unknown":
				out[i] = fmt.Sprintf("unknown_%s_%d", entity, i)
			case "error":
				return nil, false, &nerr.IntegrityError{Kind: "incomplete_row", Entity: entity,
					Message: fmt.Sprintf("missing value for hierarchy level %d", i)}
			}
		}
	}
	return out, true, nil
}
