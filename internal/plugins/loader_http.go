package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/niamoto/niamoto-core/internal/nerr"
	"gopkg.in/yaml.v3"
)

func init() {
	registerFactory("HTTPEnrichmentLoader", newHTTPEnrichmentLoader)
}

// httpEnrichmentLoaderSpec is the static configuration of an
// HTTPEnrichmentLoader: the template of the URL to fetch per row and the
// JSON field path to extract from the response.
type httpEnrichmentLoaderSpec struct {
	// URLTemplate contains a single "{key}" placeholder substituted with the
	// params["key_field"] value of each row being enriched.
	URLTemplate string `yaml:"url_template"`
	ResultField string `yaml:"result_field"`
}

// HTTPEnrichmentLoader fetches per-entity enrichment data over HTTP,
// grounded the way external_plugin.go shells out to an external process
// for entity-specific data: here the "external process" is an HTTP GET,
// and its JSON response is the enrichment payload. Responses are cached
// in-run by URL in pctx.HTTPCache (spec.md §4.3, enrichment loaders may
// cache within a single run) to avoid refetching the same lookup key
// across rows that share it.
type HTTPEnrichmentLoader struct {
	name string
	spec *httpEnrichmentLoaderSpec
}

func newHTTPEnrichmentLoader(name string, specYAML *yaml.Node) (Capability, any, error) {
	var spec httpEnrichmentLoaderSpec
	if err := specYAML.Decode(&spec); err != nil {
		return 0, nil, fmt.Errorf("failed to decode HTTPEnrichmentLoader spec for %s: %w", name, err)
	}
	if spec.URLTemplate == "" {
		return 0, nil, fmt.Errorf("field 'url_template' not specified for plugin %s", name)
	}
	if spec.ResultField == "" {
		return 0, nil, fmt.Errorf("field 'result_field' not specified for plugin %s", name)
	}
	return CapabilityLoader, &HTTPEnrichmentLoader{name: name, spec: &spec}, nil
}

// Load fetches one enrichment row per key and fails the whole call with a
// LoaderError on the first failure, rather than skipping bad keys, so the
// Import Engine's retry-with-backoff loop (spec.md §7) has a single
// Retryable signal to act on for the call as a unit.
func (l *HTTPEnrichmentLoader) Load(ctx context.Context, pctx *Context, ref EntityRef, params Params) (LoadResult, error) {
	keyField := params.String("key_field", "id")
	keys := params.StringSlice("keys")

	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		url := strings.Replace(l.spec.URLTemplate, "{key}", key, 1)

		body, retryable, err := l.fetch(ctx, pctx, url)
		if err != nil {
			return LoadResult{}, &nerr.LoaderError{Source: l.name, Retryable: retryable, Cause: err}
		}

		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return LoadResult{}, &nerr.LoaderError{Source: l.name, Retryable: false,
				Cause: fmt.Errorf("invalid JSON from %s: %w", url, err)}
		}

		rows = append(rows, Row{keyField: key, l.spec.ResultField: decoded[l.spec.ResultField]})
	}
	return LoadResult{Rows: rows}, nil
}

// fetch returns the response body, or an error and whether it is
// Retryable: network failures and server errors (5xx) are transient;
// malformed requests and client errors (4xx) are not.
func (l *HTTPEnrichmentLoader) fetch(ctx context.Context, pctx *Context, url string) ([]byte, bool, error) {
	if pctx.HTTPCache != nil {
		if cached, ok := pctx.HTTPCache.Get(url); ok {
			return cached, false, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error %d from %s", resp.StatusCode, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if pctx.HTTPCache != nil {
		pctx.HTTPCache.Add(url, body)
	}
	return body, false, nil
}
