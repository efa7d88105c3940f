// Package importer implements the Import Engine (spec.md §4.4): the three
// strictly ordered phases that turn a configuration document's declared
// datasets and references into physical tables registered with the
// Entity Registry.
//
// The phase-by-phase, fail-fast structure mirrors internal/repo's
// InsertOrUpdateEntity/Validate split in the teacher repo: build
// everything into a consistent state, then run one cross-cutting
// validation pass (here, Registry.ValidateGraph) before declaring success.
package importer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/hashid"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/nlog"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/registry"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

// Engine runs the Import Engine's three phases against one Store/Registry
// pair for the entities declared in one configuration Document.
type Engine struct {
	Store    *store.Store
	Registry *registry.Registry
	Doc      *config.Document
	Log      *nlog.Logger
	// Plugins resolves a reference's declared enrichment Loader (spec.md
	// §4.3). Left nil, enrichment is skipped with a warning rather than
	// failing the run, since not every configuration declares plugins.
	Plugins *plugins.Registry
}

// New constructs an Engine. log may be nil, in which case an info-level
// logger with no run id is used; it still logs via log.Printf (callers
// that want silence should pass nlog.New("", nlog.LevelError)).
func New(s *store.Store, r *registry.Registry, doc *config.Document, log *nlog.Logger) *Engine {
	if log == nil {
		log = nlog.New("", nlog.LevelInfo)
	}
	return &Engine{Store: s, Registry: r, Doc: doc, Log: log}
}

// Run executes all three import phases in order, then validates the
// resulting entity graph. Any phase failing aborts the run; phases already
// completed leave their tables registered, since re-runs are full
// overwrites and a subsequent run will simply redo the work (spec.md §8).
func (e *Engine) Run(ctx context.Context) error {
	if err := e.importDatasets(ctx); err != nil {
		return err
	}

	order, err := e.referenceOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		rs := e.Doc.Import.Entities.References[name]
		var err error
		if rs.Connector == "derived" {
			err = e.importDerivedReference(ctx, name, rs)
		} else {
			err = e.importDirectReference(ctx, name, rs)
		}
		if err != nil {
			return err
		}
		if rs.Enrichment != nil {
			if err := e.enrichReference(ctx, name, rs); err != nil {
				return err
			}
		}
	}

	return e.Registry.ValidateGraph(ctx)
}

// buildSchema converts a config.SchemaSpec into the logical schema.Schema,
// synthesizing a leading id field when the spec declares no id_field
// (spec.md §4.4, "a row-hash id is synthesized from a configured
// projection of columns" when no id_field is present).
func buildSchema(sc config.SchemaSpec) (schema.Schema, bool) {
	out := make(schema.Schema, 0, len(sc.Fields)+1)
	synthesized := sc.IDField == ""
	if synthesized {
		out = append(out, schema.Field{TargetColumn: "id", SemanticType: schema.SemanticID})
	}
	for _, f := range sc.Fields {
		semantic := schema.SemanticAttribute
		switch f.Type {
		case "id":
			semantic = schema.SemanticID
		case "name":
			semantic = schema.SemanticName
		case "geometry":
			semantic = schema.SemanticGeometry
		case "hierarchy_level":
			semantic = schema.SemanticHierarchyLevel
		case "link":
			semantic = schema.SemanticLink
		}
		out = append(out, schema.Field{SourceColumn: f.Source, TargetColumn: f.Target, SemanticType: semantic})
	}
	return out, synthesized
}

func linksOf(specs []config.LinkSpec) []schema.Link {
	out := make([]schema.Link, 0, len(specs))
	for _, l := range specs {
		out = append(out, schema.Link{PeerEntity: l.Peer, LocalField: l.Local, PeerField: l.Field})
	}
	return out
}

// checksumOf computes the metadata.checksum for a freshly materialized
// table: a hash over its ordered column names and row count, recomputed on
// every register() call whose physical table changed (SPEC_FULL.md's
// checksum-maintenance rule). It reuses hashid's stable string hash rather
// than rolling another one.
func checksumOf(cols []string, rowCount int64) string {
	sorted := make([]string, len(cols))
	copy(sorted, cols)
	slices.Sort(sorted)
	key := fmt.Sprintf("%d|%s", rowCount, strings.Join(sorted, ","))
	return fmt.Sprintf("%x", hashid.FromString(key))
}

func nowUTC() time.Time { return time.Now().UTC() }

// schemaError wraps a projection failure as a fatal SchemaError, the form
// every connector returns for a required-field violation.
func schemaError(entity, field string, cause error) error {
	return &nerr.SchemaError{Entity: entity, Field: field, Cause: cause}
}
