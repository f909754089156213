// Package geo provides the great-circle math used to scope regions: distances
// from a region center and the bounding boxes sent to wide-area queries.
// All positions are WGS84 decimal degrees.
package geo

import "math"

const (
	// EarthRadiusMiles is the mean Earth radius used for haversine distances.
	EarthRadiusMiles = 3958.7613

	// MilesPerDegree approximates one degree of latitude.
	MilesPerDegree = 69.0

	// boxMargin widens bounding boxes so aircraft sitting exactly on the
	// radius are not clipped by coordinate rounding.
	boxMargin = 1.02

	degToRad = math.Pi / 180.0
)

// Distance returns the great-circle distance in statute miles between two
// points using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Asin(math.Min(1, math.Sqrt(a)))

	return EarthRadiusMiles * c
}

// BoundingBox is the (lamin, lomin, lamax, lomax) rectangle used to scope
// wide-area queries.
type BoundingBox struct {
	LatMin float64
	LonMin float64
	LatMax float64
	LonMax float64
}

// NewBoundingBox derives the query rectangle for a circle of radiusMiles
// around (lat, lon), widened by 2%. Degenerate inputs, a radius spanning 90
// degrees of latitude or more, or a center close enough to a pole that the
// longitude span is meaningless, clamp to the full globe.
func NewBoundingBox(lat, lon, radiusMiles float64) BoundingBox {
	if radiusMiles >= 90*MilesPerDegree {
		return globalBox()
	}

	latSpan := radiusMiles / MilesPerDegree * boxMargin

	cosLat := math.Cos(lat * degToRad)
	if cosLat <= 0 {
		return globalBox()
	}
	lonSpan := radiusMiles / (MilesPerDegree * cosLat) * boxMargin
	if lonSpan >= 180 {
		return globalBox()
	}

	box := BoundingBox{
		LatMin: lat - latSpan,
		LonMin: lon - lonSpan,
		LatMax: lat + latSpan,
		LonMax: lon + lonSpan,
	}

	// Clamp rather than wrap: upstream APIs reject out-of-range coordinates.
	box.LatMin = math.Max(box.LatMin, -90)
	box.LatMax = math.Min(box.LatMax, 90)
	box.LonMin = math.Max(box.LonMin, -180)
	box.LonMax = math.Min(box.LonMax, 180)

	return box
}

// Contains reports whether the point lies inside the box, boundary included.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}

// AreaDeg2 is the box area in square degrees, used for wide-area credit cost.
func (b BoundingBox) AreaDeg2() float64 {
	return (b.LatMax - b.LatMin) * (b.LonMax - b.LonMin)
}

func globalBox() BoundingBox {
	return BoundingBox{LatMin: -90, LonMin: -180, LatMax: 90, LonMax: 180}
}
