// Package orchestrator implements the Transform/Export Orchestrator
// (spec.md §4.5): it groups reference rows, invokes configured widgets to
// produce payloads, and drives exporters over those payloads.
//
// The per-phase, fail-isolated structure mirrors the Import Engine's own
// three-phase run loop (internal/importer/importer.go): a top-level Run
// method that calls each phase in turn, with per-unit-of-work errors
// recorded rather than aborting the whole pass, the way the teacher's own
// repo.Validate collects every violation instead of stopping at the first.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nerr"
	"github.com/niamoto/niamoto-core/internal/nlog"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/registry"
	"github.com/niamoto/niamoto-core/internal/schema"
	"github.com/niamoto/niamoto-core/internal/store"
)

// Orchestrator runs the transform and export passes declared in a
// configuration Document against one Store/Registry/plugin Registry triple.
type Orchestrator struct {
	Store    *store.Store
	Registry *registry.Registry
	Plugins  *plugins.Registry
	Doc      *config.Document
	Log      *nlog.Logger
	OutDir   string

	payloads *payloadStore
	errs     []error
	errsMu   sync.Mutex
}

// New constructs an Orchestrator. log may be nil (see importer.New).
func New(s *store.Store, r *registry.Registry, pr *plugins.Registry, doc *config.Document, log *nlog.Logger, outDir string) *Orchestrator {
	if log == nil {
		log = nlog.New("", nlog.LevelInfo)
	}
	return &Orchestrator{
		Store:    s,
		Registry: r,
		Plugins:  pr,
		Doc:      doc,
		Log:      log,
		OutDir:   outDir,
		payloads: newPayloadStore(),
	}
}

// recordError appends a recoverable error (TransformError/ExportError) to
// the run's error log; it never aborts the run by itself.
func (o *Orchestrator) recordError(err error) {
	o.errsMu.Lock()
	defer o.errsMu.Unlock()
	o.errs = append(o.errs, err)
	o.Log.Warnf("%v", err)
}

// Errors returns every recoverable error recorded during the most recent
// TransformAll/ExportAll pass, in the order they occurred.
func (o *Orchestrator) Errors() []error {
	o.errsMu.Lock()
	defer o.errsMu.Unlock()
	out := make([]error, len(o.errs))
	copy(out, o.errs)
	return out
}

// Run executes the transform pass followed by the export pass. Per-group
// transform failures are only recorded, so they do not prevent the export
// pass from starting; an error returned by TransformAll itself, or a
// cancelled context, ends the run before export. A config with only export
// targets but no transform sections is valid (re-export of a prior run's
// payloads is out of scope, but an empty transform pass is not an error).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.TransformAll(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &timeoutOrCancel{phase: "transform->export", cause: err}
	}
	return o.ExportAll(ctx)
}

type timeoutOrCancel struct {
	phase string
	cause error
}

func (e *timeoutOrCancel) Error() string { return fmt.Sprintf("%s: %v", e.phase, e.cause) }
func (e *timeoutOrCancel) Unwrap() error { return e.cause }

// RunLog is the persisted summary of one orchestrator run, read back by the
// `stats` subcommand (SPEC_FULL.md §4.5 supplemented operation).
type RunLog struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	TransformErr int       `json:"transform_errors"`
	ExportErr    int       `json:"export_errors"`
	Errors       []string  `json:"errors"`
}

// WriteRunLog persists a RunLog as JSON at path, the artifact `stats` reads
// back and prints (SPEC_FULL.md §4.5).
func WriteRunLog(path string, log RunLog) error {
	b, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write run log %q: %w", path, err)
	}
	return nil
}

// ReadRunLog loads a previously written RunLog.
func ReadRunLog(path string) (RunLog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RunLog{}, fmt.Errorf("failed to read run log %q: %w", path, err)
	}
	var log RunLog
	if err := json.Unmarshal(b, &log); err != nil {
		return RunLog{}, fmt.Errorf("invalid run log %q: %w", path, err)
	}
	return log, nil
}

// BuildRunLog summarizes the orchestrator's recorded errors into a RunLog.
func (o *Orchestrator) BuildRunLog(runID string, startedAt time.Time) RunLog {
	log := RunLog{RunID: runID, StartedAt: startedAt, FinishedAt: time.Now().UTC()}
	for _, err := range o.Errors() {
		log.Errors = append(log.Errors, err.Error())
		if isTransformError(err) {
			log.TransformErr++
		} else {
			log.ExportErr++
		}
	}
	return log
}

// queryRows runs a parameterized SELECT and scans every row generically
// into a plugins.Row, since the Orchestrator queries tables whose columns
// are only known at configuration time (no fixed Go struct to scan into).
func queryRows(ctx context.Context, s *store.Store, query string, args ...any) ([]plugins.Row, error) {
	rows, err := s.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []plugins.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(plugins.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isTransformError(err error) bool {
	var te *nerr.TransformError
	return errors.As(err, &te)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// idColumnOf returns the entity's declared id_field, or its schema's first
// "id"-semantic column when the id was synthesized at import time.
func idColumnOf(rec schema.Record) string {
	if rec.IDField != "" {
		return rec.IDField
	}
	if ids := rec.Schema.FieldsOfType(schema.SemanticID); len(ids) > 0 {
		return ids[0]
	}
	return "id"
}
