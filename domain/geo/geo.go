// Package geo provides pure geometry for query footprints.
// All functions are deterministic with no side effects.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for great-circle math.
const EarthRadiusKm = 6371.0

// metersPerDegree approximates one degree of latitude at the equator.
const metersPerDegree = 111320.0

// ErrInvalidGeometry indicates out-of-range coordinates or a non-positive
// radius/buffer. Callers must reject the query before any cost work.
var ErrInvalidGeometry = errors.New("invalid geometry")

// QueryKind identifies the footprint shape of a query.
type QueryKind string

const (
	KindRegion QueryKind = "region"
	KindPath   QueryKind = "path"
)

// Query is a geospatial query footprint: a circular region or a buffered path.
type Query interface {
	// Kind returns the footprint shape.
	Kind() QueryKind

	// Validate checks coordinates and dimensions.
	Validate() error

	// CoverageKm2 returns the footprint size in square kilometers.
	CoverageKm2() float64
}

// LatLon is a WGS84 coordinate pair in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// Validate checks that the coordinate is within valid ranges.
func (p LatLon) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrInvalidGeometry, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrInvalidGeometry, p.Lon)
	}
	return nil
}

// Region is a circular footprint around a center point.
type Region struct {
	Center   LatLon
	RadiusKm float64
}

// Kind returns KindRegion.
func (r Region) Kind() QueryKind { return KindRegion }

// Validate checks the center coordinate and radius.
func (r Region) Validate() error {
	if err := r.Center.Validate(); err != nil {
		return err
	}
	if r.RadiusKm <= 0 {
		return fmt.Errorf("%w: radius %v km must be positive", ErrInvalidGeometry, r.RadiusKm)
	}
	return nil
}

// AreaKm2 returns the planar circle area of the region.
func (r Region) AreaKm2() float64 {
	return math.Pi * r.RadiusKm * r.RadiusKm
}

// CoverageKm2 returns the footprint size (the circle area).
func (r Region) CoverageKm2() float64 { return r.AreaKm2() }

// Contains reports whether a point falls within the region.
// Uses the same great-circle distance as coverage estimation so that
// estimate and selection never disagree; the boundary is inclusive.
func (r Region) Contains(p LatLon) bool {
	return Distance(p, r.Center) <= r.RadiusKm
}

// Path is a straight segment between two points with a buffer on each side.
type Path struct {
	Start        LatLon
	End          LatLon
	BufferMeters float64
}

// Kind returns KindPath.
func (p Path) Kind() QueryKind { return KindPath }

// Validate checks both endpoints and the buffer width.
func (p Path) Validate() error {
	if err := p.Start.Validate(); err != nil {
		return err
	}
	if err := p.End.Validate(); err != nil {
		return err
	}
	if p.BufferMeters <= 0 {
		return fmt.Errorf("%w: buffer %v m must be positive", ErrInvalidGeometry, p.BufferMeters)
	}
	return nil
}

// LengthKm returns the great-circle length of the segment.
func (p Path) LengthKm() float64 {
	return Distance(p.Start, p.End)
}

// CoverageKm2 returns the buffered footprint: length times the full
// buffer width (buffer applies to both sides of the segment).
func (p Path) CoverageKm2() float64 {
	return p.LengthKm() * (2 * p.BufferMeters / 1000)
}

// Near reports whether a point falls within the path buffer.
//
// The point-to-segment distance uses a local planar projection
// (equirectangular around the segment), which is accurate for the short
// paths this service handles; coverage length stays on the great circle.
// A point beyond either end of the segment is measured to the nearest
// endpoint, not to the infinite line. The boundary is inclusive.
func (p Path) Near(pt LatLon) bool {
	return p.DistanceToMeters(pt) <= p.BufferMeters
}

// DistanceToMeters returns the distance from a point to the segment in meters.
func (p Path) DistanceToMeters(pt LatLon) float64 {
	// Project to a flat plane centered on the segment midpoint.
	midLat := (p.Start.Lat + p.End.Lat) / 2
	cosLat := math.Cos(toRad(midLat))

	x1, y1 := p.Start.Lon*cosLat, p.Start.Lat
	x2, y2 := p.End.Lon*cosLat, p.End.Lat
	px, py := pt.Lon*cosLat, pt.Lat

	dx, dy := x2-x1, y2-y1
	segLenSq := dx*dx + dy*dy

	var nx, ny float64
	if segLenSq == 0 {
		// Degenerate segment: distance to the single endpoint.
		nx, ny = x1, y1
	} else {
		t := ((px-x1)*dx + (py-y1)*dy) / segLenSq
		t = math.Max(0, math.Min(1, t))
		nx, ny = x1+t*dx, y1+t*dy
	}

	ddx, ddy := px-nx, py-ny
	return math.Sqrt(ddx*ddx+ddy*ddy) * metersPerDegree
}

// Distance returns the great-circle distance in kilometers between two
// points, computed with the haversine formula.
func Distance(a, b LatLon) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
