// Package geo holds the geodesy helpers shared by the index: points, boxes and
// great-circle distance.
package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean radius used for every distance the index reports.
const EarthRadiusMeters = 6371000

// EquatorialRadiusMeters is used when deriving a search box from a radius.
const EquatorialRadiusMeters = 6378137

type Point struct {
	Lat float64
	Lng float64
}

// BoundingBox is axis-aligned in lat/lng degrees; it does not model spherical
// geometry or antimeridian wrap.
type BoundingBox struct {
	NorthEast Point
	WestSouth Point
}

// NewBox builds a box from north, west, south and east edges.
func NewBox(north, west, south, east float64) BoundingBox {
	return BoundingBox{
		NorthEast: Point{Lat: north, Lng: east},
		WestSouth: Point{Lat: south, Lng: west},
	}
}

func (b BoundingBox) North() float64 { return b.NorthEast.Lat }
func (b BoundingBox) South() float64 { return b.WestSouth.Lat }
func (b BoundingBox) East() float64  { return b.NorthEast.Lng }
func (b BoundingBox) West() float64  { return b.WestSouth.Lng }

func (b BoundingBox) Validate() error {
	if b.North() < b.South() {
		return fmt.Errorf("north %.6f below south %.6f", b.North(), b.South())
	}
	if b.North() > 90 || b.South() < -90 {
		return fmt.Errorf("latitude must be in [-90,90]")
	}
	if b.East() > 180 || b.West() < -180 {
		return fmt.Errorf("longitude must be in [-180,180]")
	}
	return nil
}

// Contains reports whether the point lies in [south, north) x (west, east].
// Shared edges between siblings therefore have exactly one owner.
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat < b.North() && lat >= b.South() &&
		lng > b.West() && lng <= b.East()
}

// Overlaps is a separating-axis test; boxes that only touch still overlap.
func (b BoundingBox) Overlaps(q BoundingBox) bool {
	if q.North() < b.South() || q.South() > b.North() {
		return false
	}
	if q.West() > b.East() || q.East() < b.West() {
		return false
	}
	return true
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.North(), b.West(), b.South(), b.East())
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// RadiusBox derives the box enclosing a circle with an equirectangular
// approximation. The result over-covers the circle; callers needing an exact
// radius must re-test distances.
func RadiusBox(lat, lng, radiusMeters float64) BoundingBox {
	dLat := radiusMeters / EquatorialRadiusMeters
	dLng := radiusMeters / (EquatorialRadiusMeters * math.Cos(math.Pi*lat/180))

	dLatDeg := dLat * 180 / math.Pi
	dLngDeg := dLng * 180 / math.Pi
	return NewBox(lat+dLatDeg, lng-dLngDeg, lat-dLatDeg, lng+dLngDeg)
}
