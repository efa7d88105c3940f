package plugins

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("HTMLPageExporter", newHTMLPageExporter)
}

type htmlPageExporterSpec struct {
	FileNameTemplate string `yaml:"file_name_template"` // e.g. "{group}.html"
	Template         string `yaml:"template"`
}

const defaultHTMLPageTemplate = `<!DOCTYPE html>
<html><head><title>{{.Group}}</title></head>
<body>
<h1>{{.Group}}</h1>
{{range $name, $payload := .Payloads}}
<section id="{{$name}}">
<h2>{{$name}}</h2>
<pre>{{printf "%v" $payload}}</pre>
</section>
{{end}}
</body></html>
`

// HTMLPageExporter writes one HTML page per group, the per-group exporter
// contract (spec.md §4.5: "per-group exporters... iterate groups... call
// export once per group"). Templates are plain html/template, the way
// internal/web/ui.go renders pages, rather than a third-party templating
// library, since the teacher repo itself reaches only for the standard
// library here.
type HTMLPageExporter struct {
	name string
	spec *htmlPageExporterSpec
	tmpl *template.Template
}

func newHTMLPageExporter(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec htmlPageExporterSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode HTMLPageExporter spec for %s: %w", name, err)
	}
	if spec.FileNameTemplate == "" {
		spec.FileNameTemplate = "{group}.html"
	}
	src := defaultHTMLPageTemplate
	if spec.Template != "" {
		b, err := os.ReadFile(spec.Template)
		if err != nil {
			return 0, nil, fmt.Errorf("HTMLPageExporter %s: failed to read template %q: %w", name, spec.Template, err)
		}
		src = string(b)
	}
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return 0, nil, fmt.Errorf("HTMLPageExporter %s: invalid template: %w", name, err)
	}
	return CapabilityExporter, &HTMLPageExporter{name: name, spec: &spec, tmpl: tmpl}, nil
}

// PerGroup marks this exporter as needing one Export call per group rather
// than one call with every group's payloads (the Orchestrator checks for
// this interface before dispatching).
func (e *HTMLPageExporter) PerGroup() bool { return true }

func (e *HTMLPageExporter) Export(ctx context.Context, pctx *Context, payloads []Payload, params Params, outDir string) (ExportResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("failed to create export dir %q: %w", outDir, err)
	}

	group := params.String("group", "group")
	named := make(map[string]Payload, len(payloads))
	for _, p := range payloads {
		if name, ok := p["__widget"].(string); ok {
			named[name] = p
		}
	}

	fileName := strings.ReplaceAll(e.spec.FileNameTemplate, "{group}", group)
	path := filepath.Join(outDir, fileName)
	f, err := os.Create(path)
	if err != nil {
		return ExportResult{}, fmt.Errorf("failed to create %q: %w", path, err)
	}
	defer f.Close()

	data := struct {
		Group    string
		Payloads map[string]Payload
	}{Group: group, Payloads: named}
	if err := e.tmpl.Execute(f, data); err != nil {
		return ExportResult{}, fmt.Errorf("failed to render %q: %w", path, err)
	}

	return ExportResult{FilesWritten: []string{path}}, nil
}
