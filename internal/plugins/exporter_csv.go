package plugins

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("CSVExporter", newCSVExporter)
}

type csvExporterSpec struct {
	FileName string `yaml:"file_name"`
}

// CSVExporter writes every payload of an export target to a single CSV
// file, one row per payload, columns taken from the union of payload keys
// (sorted for determinism). It is the tabular counterpart of the widget
// renderers: a target that names a CSVExporter gets flat data out instead
// of rendered fragments.
type CSVExporter struct {
	name string
	spec *csvExporterSpec
}

func newCSVExporter(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec csvExporterSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode CSVExporter spec for %s: %w", name, err)
	}
	if spec.FileName == "" {
		spec.FileName = "export.csv"
	}
	return CapabilityExporter, &CSVExporter{name: name, spec: &spec}, nil
}

func (e *CSVExporter) Export(ctx context.Context, pctx *Context, payloads []Payload, params Params, outDir string) (ExportResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("failed to create export dir %q: %w", outDir, err)
	}

	cols := collectColumns(payloads)
	path := filepath.Join(outDir, e.spec.FileName)
	f, err := os.Create(path)
	if err != nil {
		return ExportResult{}, fmt.Errorf("failed to create %q: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return ExportResult{}, fmt.Errorf("failed to write header to %q: %w", path, err)
	}
	for _, p := range payloads {
		record := make([]string, len(cols))
		for i, c := range cols {
			record[i] = fmt.Sprint(p[c])
		}
		if err := w.Write(record); err != nil {
			return ExportResult{}, fmt.Errorf("failed to write row to %q: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ExportResult{}, fmt.Errorf("failed to flush %q: %w", path, err)
	}

	return ExportResult{FilesWritten: []string{path}}, nil
}

func collectColumns(payloads []Payload) []string {
	set := make(map[string]struct{})
	for _, p := range payloads {
		for k := range p {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
