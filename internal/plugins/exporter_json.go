package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("JSONAPIExporter", newJSONAPIExporter)
}

type jsonAPIExporterSpec struct {
	IndexFileName string `yaml:"index_file_name"`
}

// jsonAPIIndexEntry is one group's entry in the exporter's index document,
// recording where each of its widget documents was written.
type jsonAPIIndexEntry struct {
	Group     string            `json:"group"`
	Documents map[string]string `json:"documents"` // widget name -> path relative to outDir
}

// JSONAPIExporter writes one JSON document per (group, widget) payload
// plus a shared index mapping every group to its documents' paths
// (spec.md §6: "JSON API exporter emits one JSON document per group plus
// an index; documents use payload key as path"). It is the per-group
// exporter contract's data-interchange sibling to exporter_html.go: same
// dispatch shape, encoding/json instead of html/template, grounded the
// same way exporter_html.go is on internal/web/ui.go, since the teacher
// repo reaches for the standard library, not a third-party JSON library,
// for plain marshaling.
type JSONAPIExporter struct {
	name string
	spec *jsonAPIExporterSpec

	mu    sync.Mutex
	index []jsonAPIIndexEntry
}

func newJSONAPIExporter(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec jsonAPIExporterSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode JSONAPIExporter spec for %s: %w", name, err)
	}
	if spec.IndexFileName == "" {
		spec.IndexFileName = "index.json"
	}
	return CapabilityExporter, &JSONAPIExporter{name: name, spec: &spec}, nil
}

// PerGroup marks this exporter as needing one Export call per group, the
// same contract HTMLPageExporter declares.
func (e *JSONAPIExporter) PerGroup() bool { return true }

func (e *JSONAPIExporter) Export(ctx context.Context, pctx *Context, payloads []Payload, params Params, outDir string) (ExportResult, error) {
	group := params.String("group", "group")
	groupDir := filepath.Join(outDir, group)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("failed to create export dir %q: %w", groupDir, err)
	}

	entry := jsonAPIIndexEntry{Group: group, Documents: make(map[string]string, len(payloads))}
	var written []string
	for _, p := range payloads {
		widgetName, _ := p["__widget"].(string)
		if widgetName == "" {
			continue
		}

		doc := make(Payload, len(p))
		for k, v := range p {
			if k == "__widget" || k == "__group" {
				continue
			}
			doc[k] = v
		}

		fileName := widgetName + ".json"
		path := filepath.Join(groupDir, fileName)
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return ExportResult{}, fmt.Errorf("failed to marshal payload %q for group %q: %w", widgetName, group, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ExportResult{}, fmt.Errorf("failed to write %q: %w", path, err)
		}
		entry.Documents[widgetName] = filepath.Join(group, fileName)
		written = append(written, path)
	}

	indexPath, err := e.recordIndex(outDir, entry)
	if err != nil {
		return ExportResult{}, err
	}
	written = append(written, indexPath)
	return ExportResult{FilesWritten: written}, nil
}

// recordIndex appends entry to the exporter's in-memory index and
// rewrites the index file, so it reflects every group exported so far
// even if the run is interrupted before later groups export.
func (e *JSONAPIExporter) recordIndex(outDir string, entry jsonAPIIndexEntry) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.index = append(e.index, entry)
	sorted := make([]jsonAPIIndexEntry, len(e.index))
	copy(sorted, e.index)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Group < sorted[j].Group })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal index: %w", err)
	}
	path := filepath.Join(outDir, e.spec.IndexFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write index %q: %w", path, err)
	}
	return path, nil
}
