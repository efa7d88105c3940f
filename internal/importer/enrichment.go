package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/schema"
)

// maxLoaderRetries and loaderBackoffBase bound the exponential backoff a
// retryable Loader failure is retried with (spec.md §7: "Loader errors
// that declare retryable=true are retried with exponential backoff up to
// a configured cap").
const (
	maxLoaderRetries  = 3
	loaderBackoffBase = 500 * time.Millisecond
)

// enrichReference runs a reference's declared post-import Loader and
// merges its result rows back onto the reference's physical table by id
// (spec.md §4.3: enrichment is an optional Loader pass run after a
// reference is materialized).
func (e *Engine) enrichReference(ctx context.Context, name string, rs config.ReferenceSpec) error {
	if e.Plugins == nil {
		e.Log.Warnf("reference %s declares enrichment plugin %q but no plugin registry is configured; skipping", name, rs.Enrichment.Plugin)
		return nil
	}

	params := plugins.Params(rs.Enrichment.Params)
	loader, err := e.Plugins.Loader(rs.Enrichment.Plugin, params)
	if err != nil {
		return err
	}

	rec, err := e.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	ref := plugins.EntityRef{Name: name, PhysicalTable: rec.PhysicalTable}
	cache, err := lru.New[string, []byte](1024)
	if err != nil {
		return err
	}
	pctx := &plugins.Context{Log: e.Log.Child(name), HTTPCache: cache}

	result, err := e.loadWithRetry(ctx, loader, pctx, ref, params)
	if err != nil {
		return err
	}

	keyField := params.String("key_field", "id")
	if err := e.mergeEnrichmentRows(ctx, rec, keyField, result.Rows); err != nil {
		return err
	}
	e.Log.Infof("enrichment %q merged %d row(s) onto %s", rs.Enrichment.Plugin, len(result.Rows), rec.PhysicalTable)
	return nil
}

// loadWithRetry calls loader.Load, retrying with exponential backoff while
// the failure is a *nerr.LoaderError with Retryable set, up to
// maxLoaderRetries attempts. Any other error, or a retryable error on the
// final attempt, is returned as-is.
func (e *Engine) loadWithRetry(ctx context.Context, loader plugins.Loader, pctx *plugins.Context, ref plugins.EntityRef, params plugins.Params) (plugins.LoadResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := loader.Load(ctx, pctx, ref, params)
		if err == nil {
			return result, nil
		}

		var le *nerr.LoaderError
		if !errors.As(err, &le) || !le.Retryable || attempt >= maxLoaderRetries {
			return plugins.LoadResult{}, err
		}

		backoff := loaderBackoffBase * time.Duration(math.Pow(2, float64(attempt)))
		e.Log.Warnf("loader for %s: attempt %d failed (%v), retrying in %s", ref.Name, attempt+1, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return plugins.LoadResult{}, ctx.Err()
		}
	}
}

// mergeEnrichmentRows adds any columns a Loader's result rows introduce
// (as TEXT, matching every other column in the Analytical Store) and
// updates each row identified by keyField in place.
func (e *Engine) mergeEnrichmentRows(ctx context.Context, rec schema.Record, keyField string, rows []plugins.Row) error {
	if len(rows) == 0 {
		return nil
	}

	existing, err := e.tableColumns(ctx, rec.PhysicalTable)
	if err != nil {
		return err
	}

	var newCols []string
	for _, r := range rows {
		for k := range r {
			if k == keyField || existing[k] {
				continue
			}
			existing[k] = true
			newCols = append(newCols, k)
		}
	}
	slices.Sort(newCols)
	for _, col := range newCols {
		if _, err := e.Store.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`,
			quoteIdent(rec.PhysicalTable), quoteIdent(col))); err != nil {
			return err
		}
	}

	idCol := rec.IDField
	if idCol == "" {
		idCol = "id"
	}
	for _, r := range rows {
		key, _ := r[keyField].(string)
		if key == "" {
			continue
		}
		for k, v := range r {
			if k == keyField {
				continue
			}
			if _, err := e.Store.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
				quoteIdent(rec.PhysicalTable), quoteIdent(k), quoteIdent(idCol)),
				fmt.Sprint(v), key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := e.Store.Execute(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
