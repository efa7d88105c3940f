package store

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// BBox is an axis-aligned bounding box in the reference's declared CRS.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// DecodeGeometry parses a WKB-encoded geometry column value (as written by
// RegisterTable/ReadShapefile) back into a go-geom geometry. Analytical
// Store spatial predicates (reference_spatial's bbox filter and point-in-
// polygon containment) all work against this decoded form rather than
// against a loadable SQLite spatial extension, since none exists in the
// pack for a pure-Go driver.
func DecodeGeometry(data []byte) (geom.T, error) {
	return wkb.Unmarshal(data)
}

// Bounds computes a geometry's bounding box.
func Bounds(g geom.T) BBox {
	b := g.Bounds()
	return BBox{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Intersects reports whether two bounding boxes overlap (touching edges
// count as overlap), a coarse test to pair with Contains.
func (b BBox) Intersects(other BBox) bool {
	return b.MinX <= other.MaxX && b.MaxX >= other.MinX &&
		b.MinY <= other.MaxY && b.MaxY >= other.MinY
}

// Contains reports whether point (x, y) lies within polygon geometry g. Only
// *geom.Polygon and *geom.MultiPolygon are meaningful arguments; any other
// geometry type reports false rather than erroring, since a dataset row
// being tested against the wrong reference geometry is an import-time
// validation bug the caller should have already caught.
func Contains(g geom.T, x, y float64) bool {
	switch p := g.(type) {
	case *geom.Polygon:
		return pointInPolygon(p, x, y)
	case *geom.MultiPolygon:
		for i := 0; i < p.NumPolygons(); i++ {
			if pointInPolygon(p.Polygon(i), x, y) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// pointInPolygon tests the outer ring with the standard even-odd ray-casting
// rule; inner rings (holes) are not consulted, which is sufficient for the
// simple, non-holed administrative and grid polygons reference_spatial
// entities are built from.
func pointInPolygon(p *geom.Polygon, x, y float64) bool {
	ring := p.LinearRing(0).FlatCoords()
	inside := false
	n := len(ring) / 2
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[2*i], ring[2*i+1]
		xj, yj := ring[2*j], ring[2*j+1]
		if (yi > y) != (yj > y) {
			xCross := xi + (y-yi)/(yj-yi)*(xj-xi)
			if x < xCross {
				inside = !inside
			}
		}
	}
	return inside
}
