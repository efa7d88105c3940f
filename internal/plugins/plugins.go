// Package plugins implements the Plugin Registry and Contracts (spec.md
// §4.3): the catalog of Loader, Transformer, Exporter, and Widget
// implementations a pipeline configuration can reference by name, plus the
// param-constraint validation that runs once at config-load time.
//
// The registration pattern (a YAML Definition decoded into a per-kind spec
// struct, looked up in a kind->factory switch) is the one the original
// catalog plugin registry used for its trigger-based plugins
// (plugins.go). The trigger/inhibit condition language is gone; what
// survives is the "decode a yaml.Node into a typed spec, fail fast on
// unknown kind" shape of registerPlugin.
package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/nlog"
)

// Capability tags which of the four plugin contracts an implementation
// satisfies. A single Go type may implement more than one: Widget embeds
// Transformer, for instance.
type Capability int

const (
	CapabilityLoader Capability = iota
	CapabilityTransformer
	CapabilityExporter
	CapabilityWidget
)

func (c Capability) String() string {
	switch c {
	case CapabilityLoader:
		return "loader"
	case CapabilityTransformer:
		return "transformer"
	case CapabilityExporter:
		return "exporter"
	case CapabilityWidget:
		return "widget"
	default:
		return "unknown"
	}
}

// EntityRef identifies the physical table a Loader or Transformer reads or
// writes, resolved by the caller via the Entity Registry before the plugin
// ever runs.
type EntityRef struct {
	Name          string
	PhysicalTable string
}

// Row is one materialized record read from or written to the Analytical
// Store, keyed by column name.
type Row map[string]any

// LoadResult is what a Loader hands back to the Import Engine: the rows it
// produced (for an enrichment pass merged back onto the reference table by
// id). It carries no separate updated-row count or warning list.
type LoadResult struct {
	Rows []Row
}

// Payload is the value a Transformer produces for one group: a JSON-
// marshalable tree, consumed either directly by an Exporter or turned into
// a rendered fragment by a Widget.
type Payload map[string]any

// ExportResult reports what an Exporter wrote, for the run log.
type ExportResult struct {
	FilesWritten []string
}

// Params is the decoded `params` map of a widget/loader/exporter
// invocation in the configuration document. By the time a plugin's
// Load, Transform or Export method sees a Params value, Registry.ValidateReferences has
// already checked the configured params it was built from against the
// plugin's compiled constraints, once, at config-load time.
type Params map[string]any

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func (p Params) StringSlice(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Context is the dependency bag every plugin contract method receives:
// a child logger, a shared HTTP response cache for enrichment Loaders
// (the same golang-lru package the catalog web server used for its SVG
// render cache, repurposed here since it is the teacher's only real
// caching dependency), and the run's deadline via the ambient
// context.Context argument each contract method also takes.
type Context struct {
	Log        *nlog.Logger
	HTTPCache  *lru.Cache[string, []byte]
	OutDir     string
}

// Loader ingests or enriches an entity's rows from an external source
// (spec.md §4.3). LoaderError{Retryable} signals the Import Engine may
// retry with backoff; any other error is fatal for the entity.
type Loader interface {
	Load(ctx context.Context, pctx *Context, ref EntityRef, params Params) (LoadResult, error)
}

// Transformer computes a Payload for one group from its joined input rows.
type Transformer interface {
	Transform(ctx context.Context, pctx *Context, inputs map[string][]Row, params Params, groupKey string) (Payload, error)
}

// Exporter writes one or more payloads to outDir in its target format.
type Exporter interface {
	Export(ctx context.Context, pctx *Context, payloads []Payload, params Params, outDir string) (ExportResult, error)
}

// Widget is a Transformer that can additionally render its own payload to
// a display fragment (e.g. an SVG or HTML snippet an exporter embeds).
type Widget interface {
	Transformer
	Render(p Payload) (string, error)
}

// ParamSpec declares one accepted parameter of a plugin and an optional
// CEL constraint expression over it, compiled once when the plugin
// registry is built (spec.md §4.3: "parameter constraints are compiled
// once at config-load time").
type ParamSpec struct {
	Name       string `yaml:"name"`
	Required   bool   `yaml:"required,omitempty"`
	Constraint string `yaml:"constraint,omitempty"` // CEL boolean expression over `value`
}

// Definition is the YAML structure of one entry in a plugins manifest.
type Definition struct {
	Kind   string      `yaml:"kind"`
	Params []ParamSpec `yaml:"params,omitempty"`
	// Spec contains an arbitrary YAML subtree with plugin-specific
	// configuration; each factory decodes Spec into its own config struct.
	Spec yaml.Node `yaml:"spec"`
}

// Manifest is the top-level YAML document describing the plugins available
// to a pipeline run.
type Manifest struct {
	Plugins map[string]*Definition `yaml:"plugins"`
}

// registration bundles a constructed plugin with its capability and the
// compiled constraints ValidateReferences checks configured params against.
type registration struct {
	capability  Capability
	plugin      any // one of Loader, Transformer, Exporter, Widget
	constraints map[string]cel.Program
	required    map[string]bool
}

// Registry holds every plugin constructed from a Manifest, looked up by
// name and capability.
type Registry struct {
	entries map[string]*registration
}

// factory constructs a named plugin kind from its YAML spec subtree.
type factory func(name string, specYAML *yaml.Node) (Capability, any, error)

// factories is populated by each plugin implementation file's init().
var factories = map[string]factory{}

func registerFactory(kind string, f factory) {
	factories[kind] = f
}

// NewRegistry constructs a Registry from a parsed Manifest, compiling every
// declared param constraint and failing fast on an unknown plugin kind or
// an uncompilable constraint expression (both are ConfigError-worthy, but
// this package returns plain errors and leaves wrapping to the caller,
// matching internal/config's separation of parsing from domain errors).
func NewRegistry(m *Manifest) (*Registry, error) {
	r := &Registry{entries: make(map[string]*registration)}
	for name, def := range m.Plugins {
		if err := r.register(name, def); err != nil {
			return nil, fmt.Errorf("plugin %q: %w", name, err)
		}
	}
	// A chain transformer resolves its steps by looking up sibling plugins
	// by name; that lookup can only happen once every plugin in the
	// manifest has been constructed, so the registry wires itself in here
	// rather than at construction time.
	for _, reg := range r.entries {
		if c, ok := reg.plugin.(*ChainTransformer); ok {
			c.registry = r
		}
	}
	return r, nil
}

func (r *Registry) register(name string, def *Definition) error {
	f, ok := factories[def.Kind]
	if !ok {
		return fmt.Errorf("unknown plugin kind %q", def.Kind)
	}
	capability, impl, err := f(name, &def.Spec)
	if err != nil {
		return fmt.Errorf("failed to construct %s: %w", def.Kind, err)
	}

	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		return fmt.Errorf("failed to build constraint environment: %w", err)
	}

	reg := &registration{
		capability:  capability,
		plugin:      impl,
		constraints: make(map[string]cel.Program),
		required:    make(map[string]bool),
	}
	for _, p := range def.Params {
		reg.required[p.Name] = p.Required
		if p.Constraint == "" {
			continue
		}
		ast, iss := env.Compile(p.Constraint)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("param %q: invalid constraint %q: %w", p.Name, p.Constraint, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("param %q: failed to build constraint program: %w", p.Name, err)
		}
		reg.constraints[p.Name] = prg
	}

	r.entries[name] = reg
	return nil
}

// validateParams checks required params are present and every compiled
// constraint evaluates to true, returning the first violation found.
func (r *Registry) validateParams(name string, params Params) error {
	reg, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	for param, required := range reg.required {
		if _, present := params[param]; required && !present {
			return fmt.Errorf("plugin %q: missing required param %q", name, param)
		}
	}
	for param, prg := range reg.constraints {
		val, present := params[param]
		if !present {
			continue
		}
		out, _, err := prg.Eval(map[string]any{"value": val})
		if err != nil {
			return fmt.Errorf("plugin %q: constraint for param %q failed to evaluate: %w", name, param, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool || !ok {
			return fmt.Errorf("plugin %q: param %q = %v violates its constraint", name, param, val)
		}
	}
	return nil
}

// Loader returns the named plugin if it implements Loader. params is no
// longer validated here: ValidateReferences checks every reference's
// configured params once, at config-load time.
func (r *Registry) Loader(name string, params Params) (Loader, error) {
	_, l, err := r.lookup(name, CapabilityLoader)
	if err != nil {
		return nil, err
	}
	return l.(Loader), nil
}

// Transformer returns the named plugin if it implements Transformer.
func (r *Registry) Transformer(name string, params Params) (Transformer, error) {
	_, t, err := r.lookup(name, CapabilityTransformer)
	if err != nil {
		return nil, err
	}
	return t.(Transformer), nil
}

// Exporter returns the named plugin if it implements Exporter.
func (r *Registry) Exporter(name string, params Params) (Exporter, error) {
	_, e, err := r.lookup(name, CapabilityExporter)
	if err != nil {
		return nil, err
	}
	return e.(Exporter), nil
}

// Widget returns the named plugin if it implements Widget.
func (r *Registry) Widget(name string, params Params) (Widget, error) {
	_, w, err := r.lookup(name, CapabilityWidget)
	if err != nil {
		return nil, err
	}
	return w.(Widget), nil
}

func (r *Registry) lookup(name string, want Capability) (*registration, any, error) {
	reg, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("unregistered plugin %q", name)
	}
	// Widget satisfies both CapabilityWidget and CapabilityTransformer lookups,
	// since every Widget is itself a Transformer.
	if reg.capability != want {
		if !(want == CapabilityTransformer && reg.capability == CapabilityWidget) {
			return nil, nil, fmt.Errorf("plugin %q is a %s, not a %s", name, reg.capability, want)
		}
	}
	return reg, reg.plugin, nil
}

// ValidateReferences checks every plugin reference in doc's transform
// widgets, export targets, and reference enrichments against its plugin's
// required/constraint params, once, before any transform or export runs
// (spec.md §4.3: "parameters are validated at configuration-load time, not
// at execution time"). A per-group exporter's synthetic "group" param is
// not part of any reference's configured params and so is never checked
// here; it is plumbing the Orchestrator adds per call, not user
// configuration.
func (r *Registry) ValidateReferences(doc *config.Document) error {
	for name, rs := range doc.Import.Entities.References {
		if rs.Enrichment == nil {
			continue
		}
		if err := r.validateParams(rs.Enrichment.Plugin, rs.Enrichment.Params); err != nil {
			return fmt.Errorf("reference %q enrichment: %w", name, err)
		}
	}
	for i, section := range doc.Transform {
		for widget, wspec := range section.Widgets {
			if err := r.validateParams(wspec.Plugin, wspec.Params); err != nil {
				return fmt.Errorf("transform[%d] widget %q: %w", i, widget, err)
			}
		}
	}
	for _, target := range doc.Export.Targets {
		if err := r.validateParams(target.Exporter, target.Params.Extra); err != nil {
			return fmt.Errorf("export target %q: %w", target.Name, err)
		}
	}
	return nil
}

// Names returns every registered plugin name with the given capability,
// sorted, for CLI introspection.
func (r *Registry) Names(capability Capability) []string {
	var out []string
	for name, reg := range r.entries {
		if reg.capability == capability || (capability == CapabilityTransformer && reg.capability == CapabilityWidget) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
