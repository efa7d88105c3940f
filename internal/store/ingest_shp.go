package store

import (
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/niamoto/niamoto-core/internal/nerr"
)

// Feature is one decoded shapefile record: its attributes keyed by DBF
// field name, plus the well-known-binary encoding of its geometry ready for
// storage in a BLOB column (spatial.go decodes it back on read).
type Feature struct {
	Attrs    map[string]string
	GeometryWKB []byte
}

// ReadShapefile decodes every record of a .shp/.dbf pair into Features. This
// backs the `file_multi_feature` connector's per-source shapefile read
// (spec.md §4.3): one call per FeatureSourceSpec entry, the results tagged
// with that source's declared name before being merged into the reference's
// rows.
func ReadShapefile(path string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, &nerr.IngestError{Source: path, Cause: err}
	}
	defer reader.Close()

	fields := reader.Fields()

	var out []Feature
	for reader.Next() {
		n, shape := reader.Shape()

		g, err := toGeomT(shape)
		if err != nil {
			return nil, &nerr.IngestError{Source: path, Cause: err}
		}
		wkbBytes, err := wkb.Marshal(g, wkb.NDR)
		if err != nil {
			return nil, &nerr.IngestError{Source: path, Cause: err}
		}

		attrs := make(map[string]string, len(fields))
		for i, f := range fields {
			attrs[f.String()] = reader.ReadAttribute(n, i)
		}

		out = append(out, Feature{Attrs: attrs, GeometryWKB: wkbBytes})
	}
	return out, nil
}

// toGeomT converts a go-shp shape into a go-geom geometry so it can be
// re-encoded as WKB for storage. Only points, polylines and polygons are
// supported; anything else is a hard ingest failure rather than a silently
// dropped geometry.
func toGeomT(s shp.Shape) (geom.T, error) {
	switch p := s.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{p.X, p.Y}), nil
	case *shp.PolyLine:
		return polyLineToGeom(p)
	case *shp.Polygon:
		return polygonToGeom(p)
	default:
		return nil, fmt.Errorf("unsupported shapefile geometry type %T", s)
	}
}

func polyLineToGeom(p *shp.PolyLine) (geom.T, error) {
	flat := make([]float64, 0, len(p.Points)*2)
	for _, pt := range p.Points {
		flat = append(flat, pt.X, pt.Y)
	}
	ls := geom.NewLineStringFlat(geom.XY, flat)
	return ls, nil
}

func polygonToGeom(p *shp.Polygon) (geom.T, error) {
	poly := geom.NewPolygon(geom.XY)
	for i := 0; i < len(p.Parts); i++ {
		start := int(p.Parts[i])
		end := len(p.Points)
		if i+1 < len(p.Parts) {
			end = int(p.Parts[i+1])
		}
		flat := make([]float64, 0, (end-start)*2)
		for _, pt := range p.Points[start:end] {
			flat = append(flat, pt.X, pt.Y)
		}
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			return nil, err
		}
	}
	return poly, nil
}
