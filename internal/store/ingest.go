package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jszwec/csvutil"

	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
)

// Row is one decoded input record, keyed by source column name. Connectors
// (internal/importer) produce Rows from whatever the underlying file format
// is; RegisterTable only ever sees this flat shape.
type Row map[string]string

// ReadCSV decodes a delimited file into Rows keyed by header name. This is
// the backing implementation of the `file` connector for tabular sources
// (spec.md §4.3), using csvutil the way the research-cli example in the
// retrieval pack decodes typed CSV records, except the target shape here is
// a dynamic map rather than a fixed struct since the column set comes from
// the configuration document, not from Go source.
func ReadCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &nerr.IngestError{Source: path, Cause: err}
	}
	defer f.Close()

	dec, err := csvutil.NewDecoder(csv.NewReader(f))
	if err != nil {
		return nil, &nerr.IngestError{Source: path, Cause: err}
	}

	header := dec.Header()
	var rows []Row
	for {
		// csvutil decodes only into structs, slices and arrays, so each
		// record is read through an empty struct and then mapped by header.
		if err := dec.Decode(&struct{}{}); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &nerr.IngestError{Source: path, Cause: err}
		}
		record := dec.Record()
		row := make(Row, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Project applies a schema's declared fields to a decoded Row, selecting
// and renaming source columns into their target columns. Columns absent
// from the schema are dropped; a row missing a declared source column
// yields SchemaError so the caller can apply the entity's incomplete_rows
// policy.
func Project(entity string, s schema.Schema, row Row) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for _, f := range s {
		v, ok := row[f.SourceColumn]
		if !ok {
			return nil, &nerr.SchemaError{Entity: entity, Field: f.SourceColumn, Cause: fmt.Errorf("column not present in source row")}
		}
		out[f.TargetColumn] = v
	}
	return out, nil
}

// RegisterTable creates table, drops any prior table of the same name, and
// bulk-inserts rows. The table's columns are the schema's target columns in
// sorted order, all typed TEXT; RegisterTable adds no column of its own, so
// a synthesized row-hash id column must already be part of sc.
//
// Every call runs inside its own transaction, matching the "the Import
// Engine wraps each entity's materialization in a transaction" contract
// (spec.md §4.1): a failure partway through never leaves a half-populated
// table visible to later steps.
func RegisterTable(ctx context.Context, s *Store, table string, sc schema.Schema, rows []map[string]any) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	cols := make([]string, 0, len(sc))
	for _, f := range sc {
		cols = append(cols, f.TargetColumn)
	}
	sort.Strings(cols) // deterministic DDL regardless of map iteration elsewhere

	ddl := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}

	colDefs := make([]string, 0, len(cols))
	for _, c := range cols {
		colDefs = append(colDefs, quoteIdent(c)+" TEXT")
	}
	create := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), joinComma(colDefs))
	if _, err := tx.Exec(ctx, create); err != nil {
		return err
	}

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(table), joinIdents(cols), joinComma(placeholders))

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err := tx.Exec(ctx, insert, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return joinComma(quoted)
}
