// Package store implements the Analytical Store (spec.md §4.1): a single
// embedded SQL engine that hosts every entity's physical table plus the
// reserved _niamoto_meta schema the Entity Registry uses for its own
// bookkeeping.
//
// modernc.org/sqlite backs the engine: a pure-Go, CGo-free database/sql
// driver, the same dependency the research-cli example in the retrieval
// pack reaches for to avoid a C toolchain requirement. DuckDB's native
// Parquet/vector-file readers and loadable spatial extension have no
// pure-Go equivalent in the pack; file ingestion for those formats and
// spatial predicates are implemented in Go instead (ingest.go, spatial.go)
// and layered over plain SQLite tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/niamoto/niamoto-core/internal/nerr"

	_ "modernc.org/sqlite"
)

// MetaSchemaPrefix is the reserved table prefix the Entity Registry stores
// its bookkeeping tables under (spec.md §4.2: "_niamoto_meta").
const MetaSchemaPrefix = "_niamoto_meta_"

// Store wraps a single SQLite connection. Per spec.md §5, the store is a
// single-threaded session per run; Store serializes access with a mutex
// rather than relying on SQLite's own connection pool so that "within a
// single connection, statements execute in program order" (spec.md §4.1)
// holds even under the bounded worker pool the Orchestrator may use for
// pure transformers (those only ever read, never touch the Store).
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if necessary) the analytical store file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytical store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one session, per spec.md §5
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys on %q: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the file path this store was opened from (STORE_PATH).
func (s *Store) Path() string { return s.path }

// Execute runs a parameterized query and returns its cursor. Errors are
// wrapped into QueryError (spec.md §4.1).
func (s *Store) Execute(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &nerr.QueryError{Kind: "execute", Message: err.Error(), Cause: err}
	}
	return rows, nil
}

// Exec runs a parameterized statement with no result rows (DDL, INSERT/UPDATE/DELETE).
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &nerr.QueryError{Kind: "exec", Message: err.Error(), Cause: err}
	}
	return res, nil
}

// Tx wraps a database transaction; the Import Engine wraps each entity's
// materialization in one (spec.md §4.1).
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Begin starts a transaction. The store's mutex is held for the lifetime
// of the transaction to preserve single-session ordering guarantees.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, s: s}, nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &nerr.QueryError{Kind: "exec", Message: err.Error(), Cause: err}
	}
	return res, nil
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &nerr.QueryError{Kind: "query", Message: err.Error(), Cause: err}
	}
	return rows, nil
}

func (t *Tx) Commit() error {
	defer t.s.mu.Unlock()
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	defer t.s.mu.Unlock()
	return t.tx.Rollback()
}

// TableInfo describes one user table, as returned by Introspect.
type TableInfo struct {
	Table    string
	Columns  []ColumnInfo
	RowCount int64
}

type ColumnInfo struct {
	Name string
	Type string
}

// Introspect enumerates user tables, excluding _niamoto_meta_* internal
// registry tables (spec.md §4.1).
func (s *Store) Introspect(ctx context.Context) ([]TableInfo, error) {
	rows, err := s.Execute(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		if strings.HasPrefix(n, MetaSchemaPrefix) {
			continue
		}
		names = append(names, n)
	}
	rows.Close()

	out := make([]TableInfo, 0, len(names))
	for _, n := range names {
		info, err := s.tableInfo(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Store) tableInfo(ctx context.Context, table string) (TableInfo, error) {
	rows, err := s.Execute(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return TableInfo{}, err
	}
	var cols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return TableInfo{}, err
		}
		cols = append(cols, ColumnInfo{Name: name, Type: ctype})
	}
	rows.Close()

	var count int64
	cntRows, err := s.Execute(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table)))
	if err != nil {
		return TableInfo{}, err
	}
	if cntRows.Next() {
		if err := cntRows.Scan(&count); err != nil {
			cntRows.Close()
			return TableInfo{}, err
		}
	}
	cntRows.Close()

	return TableInfo{Table: table, Columns: cols, RowCount: count}, nil
}

// SpatialEnabled reports whether spatial predicates are available. They
// always are: the Analytical Store implements them in Go over decoded WKB
// columns (spatial.go) rather than a loadable SQLite extension, so there is
// nothing to probe for lazily. The method is kept because spec.md §4.1
// names it as part of the contract, and it gives future callers a single
// place to check before issuing spatial queries if the backing engine ever
// changes.
func (s *Store) SpatialEnabled() bool { return true }

// quoteIdent quotes a SQL identifier for safe interpolation into generated
// DDL/DML where bind parameters cannot be used (table and column names).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
