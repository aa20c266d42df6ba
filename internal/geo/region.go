// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package geo decides whether a scan location lies inside an organization's
// authorized regions and how far outside it is.
//
// Two geometry variants sit behind the Region capability:
//
//   - Circle: haversine distance to the center minus the radius
//   - Polygon: ray-casting containment, distance to the nearest edge
//
// Distances are kilometres on a spherical earth (R = 6371 km).
package geo

import (
	"fmt"
	"math"

	"github.com/tomtom215/scansentry/internal/models"
)

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Region is an authorized area.
type Region interface {
	// Code returns the organization-unique region code.
	Code() string
	// Contains reports whether p lies inside the region (boundary inclusive).
	Contains(p Point) bool
	// DistanceKm returns 0 for points inside, otherwise the distance to the boundary.
	DistanceKm(p Point) float64
}

// InvalidRegionError reports geometry that cannot be compiled.
type InvalidRegionError struct {
	RegionCode string
	Reason     string
}

func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("invalid region %q: %s", e.RegionCode, e.Reason)
}

// Circle is a center point with a radius.
type Circle struct {
	code     string
	center   Point
	radiusKm float64
}

// NewCircle builds a circular region.
func NewCircle(code string, center Point, radiusKm float64) (*Circle, error) {
	if !validPoint(center) {
		return nil, &InvalidRegionError{RegionCode: code, Reason: "center out of range"}
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) {
		return nil, &InvalidRegionError{RegionCode: code, Reason: "radius must be positive"}
	}
	return &Circle{code: code, center: center, radiusKm: radiusKm}, nil
}

func (c *Circle) Code() string { return c.code }

func (c *Circle) Contains(p Point) bool {
	return HaversineKm(c.center, p) <= c.radiusKm
}

func (c *Circle) DistanceKm(p Point) float64 {
	return math.Max(0, HaversineKm(c.center, p)-c.radiusKm)
}

// Polygon is a closed ring of vertices. Edges are treated as straight lines in
// latitude/longitude space, which matches how regions are drawn on a map.
type Polygon struct {
	code     string
	vertices []Point
}

// NewPolygon builds a polygon region. The ring is closed implicitly; a
// repeated closing vertex is dropped.
func NewPolygon(code string, vertices []Point) (*Polygon, error) {
	vs := make([]Point, len(vertices))
	copy(vs, vertices)
	if len(vs) > 1 && vs[0] == vs[len(vs)-1] {
		vs = vs[:len(vs)-1]
	}
	if len(vs) < 3 {
		return nil, &InvalidRegionError{RegionCode: code, Reason: "polygon needs at least 3 vertices"}
	}
	for i, v := range vs {
		if !validPoint(v) {
			return nil, &InvalidRegionError{RegionCode: code, Reason: fmt.Sprintf("vertex %d out of range", i)}
		}
	}
	return &Polygon{code: code, vertices: vs}, nil
}

func (pg *Polygon) Code() string { return pg.code }

// Contains uses the even-odd ray casting rule with a ray towards +longitude.
// Points exactly on an edge count as inside.
func (pg *Polygon) Contains(p Point) bool {
	inside := false
	n := len(pg.vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := pg.vertices[i], pg.vertices[j]
		if onSegment(p, a, b) {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
	}
	return inside
}

func (pg *Polygon) DistanceKm(p Point) float64 {
	if pg.Contains(p) {
		return 0
	}
	best := math.Inf(1)
	n := len(pg.vertices)
	for i := 0; i < n; i++ {
		d := segmentDistanceKm(p, pg.vertices[i], pg.vertices[(i+1)%n])
		if d < best {
			best = d
		}
	}
	return best
}

// NewRegion compiles a stored AuthorizedRegion into its geometry.
func NewRegion(r *models.AuthorizedRegion) (Region, error) {
	switch r.Kind {
	case models.RegionCircle:
		if r.Center == nil {
			return nil, &InvalidRegionError{RegionCode: r.RegionCode, Reason: "circle requires a center"}
		}
		return NewCircle(r.RegionCode, Point{Lat: r.Center.Lat, Lng: r.Center.Lng}, r.RadiusKm)
	case models.RegionPolygon:
		pts := make([]Point, len(r.Vertices))
		for i, v := range r.Vertices {
			pts[i] = Point{Lat: v.Lat, Lng: v.Lng}
		}
		return NewPolygon(r.RegionCode, pts)
	default:
		return nil, &InvalidRegionError{RegionCode: r.RegionCode, Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
}

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	dLat := lat2 - lat1
	dLon := (b.Lng - a.Lng) * math.Pi / 180.0

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// segmentDistanceKm finds the closest point of edge a-b to p in a local
// equirectangular projection centred on p, then measures it with haversine.
func segmentDistanceKm(p, a, b Point) float64 {
	cosLat := math.Cos(p.Lat * math.Pi / 180.0)
	ax, ay := wrapLng(a.Lng-p.Lng)*cosLat, a.Lat-p.Lat
	bx, by := wrapLng(b.Lng-p.Lng)*cosLat, b.Lat-p.Lat

	dx, dy := bx-ax, by-ay
	t := 0.0
	if l2 := dx*dx + dy*dy; l2 > 0 {
		t = -(ax*dx + ay*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}
	closest := Point{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lng: a.Lng + t*wrapLng(b.Lng-a.Lng),
	}
	return HaversineKm(p, closest)
}

func onSegment(p, a, b Point) bool {
	const eps = 1e-9
	cross := (b.Lng-a.Lng)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lng-a.Lng)
	if math.Abs(cross) > eps {
		return false
	}
	return p.Lng >= math.Min(a.Lng, b.Lng)-eps && p.Lng <= math.Max(a.Lng, b.Lng)+eps &&
		p.Lat >= math.Min(a.Lat, b.Lat)-eps && p.Lat <= math.Max(a.Lat, b.Lat)+eps
}

func wrapLng(d float64) float64 {
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

func validPoint(p Point) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
