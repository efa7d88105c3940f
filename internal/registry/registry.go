// Package registry implements the Entity Registry (spec.md §4.2): the
// catalog of every dataset and reference the pipeline knows about, their
// schemas, links, and bookkeeping metadata. It is modeled the way
// internal/repo's Repository holds the software catalog's entities in
// maps keyed by name and validates cross-references in a single pass, but
// its state lives in the Analytical Store's reserved _niamoto_meta_*
// tables rather than in-memory YAML-derived structs, since the registry
// must survive across the import/transform/export subcommands of separate
// process invocations (spec.md §5).
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

const (
	entitiesTable = store.MetaSchemaPrefix + "entities"
	linksTable    = store.MetaSchemaPrefix + "links"
)

// Registry is the Entity Registry. One Registry wraps one Store; it is
// safe for concurrent use by read-only callers (Get, List, ResolveTable),
// matching the read-mostly access pattern of pure transformers running
// under the Orchestrator's worker pool.
type Registry struct {
	s *store.Store
}

// Open prepares the registry's bookkeeping tables in s, creating them if
// this is a fresh store.
func Open(ctx context.Context, s *store.Store) (*Registry, error) {
	r := &Registry{s: s}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			physical_table TEXT NOT NULL,
			id_field TEXT,
			schema_json TEXT NOT NULL,
			hierarchy_json TEXT,
			spatial_json TEXT,
			connector_kind TEXT,
			source_descriptor TEXT,
			created_at TEXT,
			row_count INTEGER,
			checksum TEXT
		)`, entitiesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			owner TEXT NOT NULL,
			peer TEXT NOT NULL,
			local_field TEXT NOT NULL,
			peer_field TEXT NOT NULL,
			PRIMARY KEY (owner, peer, local_field)
		)`, linksTable),
	}
	for _, stmt := range stmts {
		if _, err := r.s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Register records a new entity definition, or overwrites a prior
// definition of the same name with a full-overwrite re-run (spec.md §8,
// "re-runs are authoritative"); an overwrite keeps the created_at stored by
// the first registration. It returns RegistryError{DuplicateName}
// only when the same name was previously registered under a different
// Kind, since the registry's name space is shared across all entity kinds
// (spec.md §4.2).
func (r *Registry) Register(ctx context.Context, def schema.Definition, physicalTable string) error {
	existing, err := r.get(ctx, def.Name)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err == nil && existing.Kind != def.Kind {
		return &nerr.RegistryError{Name: def.Name, DuplicateName: true}
	}

	schemaJSON, err := json.Marshal(def.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema for %q: %w", def.Name, err)
	}
	var hierarchyJSON, spatialJSON []byte
	if def.Hierarchy != nil {
		if hierarchyJSON, err = json.Marshal(def.Hierarchy); err != nil {
			return err
		}
	}
	if def.Spatial != nil {
		if spatialJSON, err = json.Marshal(def.Spatial); err != nil {
			return err
		}
	}

	_, err = r.s.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
		(name, kind, physical_table, id_field, schema_json, hierarchy_json, spatial_json,
		 connector_kind, source_descriptor, created_at, row_count, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind=excluded.kind, physical_table=excluded.physical_table, id_field=excluded.id_field,
			schema_json=excluded.schema_json, hierarchy_json=excluded.hierarchy_json,
			spatial_json=excluded.spatial_json, connector_kind=excluded.connector_kind,
			source_descriptor=excluded.source_descriptor,
			row_count=excluded.row_count, checksum=excluded.checksum`, entitiesTable),
		def.Name, string(def.Kind), physicalTable, def.IDField, string(schemaJSON),
		nullableString(hierarchyJSON), nullableString(spatialJSON),
		def.Metadata.ConnectorKind, def.Metadata.SourceDescriptor, def.Metadata.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		def.Metadata.RowCount, def.Metadata.Checksum)
	if err != nil {
		return err
	}

	if _, err := r.s.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner = ?`, linksTable), def.Name); err != nil {
		return err
	}
	for _, l := range def.Links {
		if _, err := r.s.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (owner, peer, local_field, peer_field) VALUES (?, ?, ?, ?)`, linksTable),
			def.Name, l.PeerEntity, l.LocalField, l.PeerField); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the full record for a registered entity.
func (r *Registry) Get(ctx context.Context, name string) (schema.Record, error) {
	return r.get(ctx, name)
}

func (r *Registry) get(ctx context.Context, name string) (schema.Record, error) {
	rows, err := r.s.Execute(ctx, fmt.Sprintf(`SELECT name, kind, physical_table, id_field, schema_json,
		hierarchy_json, spatial_json, connector_kind, source_descriptor, created_at, row_count, checksum
		FROM %s WHERE name = ?`, entitiesTable), name)
	if err != nil {
		return schema.Record{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return schema.Record{}, &nerr.RegistryError{Name: name, NotFound: true}
	}
	rec, err := scanRecord(rows)
	// Release the store's single connection before linksOf queries again.
	rows.Close()
	if err != nil {
		return schema.Record{}, err
	}
	rec.Links, err = r.linksOf(ctx, name)
	if err != nil {
		return schema.Record{}, err
	}
	return rec, nil
}

func isNotFound(err error) bool {
	var regErr *nerr.RegistryError
	if e, ok := err.(*nerr.RegistryError); ok {
		regErr = e
	}
	return regErr != nil && regErr.NotFound
}

// List returns every registered entity, sorted by name for deterministic
// iteration order (spec.md §8, invariant: deterministic output across runs
// on identical input).
func (r *Registry) List(ctx context.Context) ([]schema.Record, error) {
	rows, err := r.s.Execute(ctx, fmt.Sprintf(`SELECT name, kind, physical_table, id_field, schema_json,
		hierarchy_json, spatial_json, connector_kind, source_descriptor, created_at, row_count, checksum
		FROM %s`, entitiesTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	for i := range out {
		links, err := r.linksOf(ctx, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Links = links
	}
	slices.SortFunc(out, func(a, b schema.Record) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (r *Registry) linksOf(ctx context.Context, owner string) ([]schema.Link, error) {
	rows, err := r.s.Execute(ctx, fmt.Sprintf(`SELECT peer, local_field, peer_field FROM %s WHERE owner = ?`, linksTable), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schema.Link
	for rows.Next() {
		var l schema.Link
		if err := rows.Scan(&l.PeerEntity, &l.LocalField, &l.PeerField); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// ResolveTable returns the physical table name backing a registered
// entity, the lookup every transform source and export group descriptor
// performs before issuing SQL against the Analytical Store.
func (r *Registry) ResolveTable(ctx context.Context, name string) (string, error) {
	rec, err := r.get(ctx, name)
	if err != nil {
		return "", err
	}
	return rec.PhysicalTable, nil
}

// maxOffenderSample caps the offending-value sample an IntegrityError
// reports (spec.md scenario 4: "fails IntegrityError enumerating the
// offending ids (capped)").
const maxOffenderSample = 10

// ValidateGraph checks that every declared link targets a registered peer
// entity and an existing field on it, that every non-null local value
// actually resolves to a peer row (spec.md §8 invariant 3: referential
// integrity), and that the hierarchy/spatial references form no cycles
// through their links. It is run once after all entities for a run have
// been registered (spec.md §4.4, run as the last step of the Import
// Engine before transform/export may proceed).
func (r *Registry) ValidateGraph(ctx context.Context) error {
	recs, err := r.List(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]schema.Record, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}

	if cyc := findCycle(byName); cyc != "" {
		return &nerr.IntegrityError{Kind: "cycle", Entity: cyc, Message: "link graph contains a cycle"}
	}

	for _, rec := range recs {
		for _, l := range rec.Links {
			peer, ok := byName[l.PeerEntity]
			if !ok {
				return &nerr.IntegrityError{Kind: "link", Entity: rec.Name,
					Message: fmt.Sprintf("link to unregistered entity %q", l.PeerEntity)}
			}
			if !rec.Schema.HasColumn(l.LocalField) {
				return &nerr.IntegrityError{Kind: "link", Entity: rec.Name,
					Message: fmt.Sprintf("local field %q not declared in schema", l.LocalField)}
			}
			if !peer.Schema.HasColumn(l.PeerField) {
				return &nerr.IntegrityError{Kind: "link", Entity: rec.Name,
					Message: fmt.Sprintf("peer field %q not declared on %q", l.PeerField, l.PeerEntity)}
			}

			offenders, err := r.linkClosureOffenders(ctx, rec, l, peer)
			if err != nil {
				return err
			}
			if len(offenders) > 0 {
				return &nerr.IntegrityError{Kind: "link", Entity: rec.Name,
					Message: fmt.Sprintf("%s.%s references missing %s.%s", rec.Name, l.LocalField, l.PeerEntity, l.PeerField),
					Offenders: offenders}
			}
		}
	}
	return nil
}

// linkClosureOffenders returns a capped sample of rec's non-null
// LocalField values that do not appear among peer's PeerField values,
// i.e. the referential-integrity violations a link declaration promises
// not to have.
func (r *Registry) linkClosureOffenders(ctx context.Context, rec schema.Record, l schema.Link, peer schema.Record) ([]string, error) {
	rows, err := r.s.Execute(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM %s
		WHERE %s IS NOT NULL AND %s <> ''
		AND %s NOT IN (SELECT %s FROM %s WHERE %s IS NOT NULL)
		LIMIT ?`,
		quoteIdent(l.LocalField), quoteIdent(rec.PhysicalTable),
		quoteIdent(l.LocalField), quoteIdent(l.LocalField),
		quoteIdent(l.LocalField), quoteIdent(l.PeerField), quoteIdent(peer.PhysicalTable), quoteIdent(l.PeerField),
	), maxOffenderSample)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offenders []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		offenders = append(offenders, v)
	}
	return offenders, rows.Err()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// findCycle runs a depth-first search over the link graph and returns the
// name of an entity on a cycle, or "" if the graph is acyclic.
func findCycle(byName map[string]schema.Record) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byName))

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, l := range byName[name].Links {
			if visit(l.PeerEntity) {
				return true
			}
		}
		state[name] = done
		return false
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return name
		}
	}
	return ""
}

func scanRecord(rows interface{ Scan(...any) error }) (schema.Record, error) {
	var rec schema.Record
	var kind, schemaJSON, hierarchyJSON, spatialJSON, createdAt any
	if err := rows.Scan(&rec.Name, &kind, &rec.PhysicalTable, &rec.IDField, &schemaJSON,
		&hierarchyJSON, &spatialJSON, &rec.Metadata.ConnectorKind, &rec.Metadata.SourceDescriptor,
		&createdAt, &rec.Metadata.RowCount, &rec.Metadata.Checksum); err != nil {
		return schema.Record{}, err
	}
	rec.Kind = schema.Kind(fmt.Sprint(kind))
	if schemaJSON != nil {
		if err := json.Unmarshal([]byte(fmt.Sprint(schemaJSON)), &rec.Schema); err != nil {
			return schema.Record{}, err
		}
	}
	if hierarchyJSON != nil {
		rec.Hierarchy = &schema.HierarchyMetadata{}
		if err := json.Unmarshal([]byte(fmt.Sprint(hierarchyJSON)), rec.Hierarchy); err != nil {
			return schema.Record{}, err
		}
	}
	if spatialJSON != nil {
		rec.Spatial = &schema.SpatialMetadata{}
		if err := json.Unmarshal([]byte(fmt.Sprint(spatialJSON)), rec.Spatial); err != nil {
			return schema.Record{}, err
		}
	}
	return rec, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
