// Package spatial holds the per-collection spatial index: a kd-tree over
// object positions on the unit sphere, loaded from the artifact written at
// ingestion time.
package spatial

import "math"

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// unitVector converts equatorial coordinates in degrees to a point on the
// unit sphere.
func unitVector(ra, decl float64) [3]float64 {
	a, d := ra*degToRad, decl*degToRad
	cd := math.Cos(d)
	return [3]float64{cd * math.Cos(a), cd * math.Sin(a), math.Sin(d)}
}

// chordLength is the straight-line distance between two unit vectors
// separated by the given angle in degrees.
func chordLength(angleDeg float64) float64 {
	return 2 * math.Sin(angleDeg*degToRad/2)
}

// GreatCircleDistance returns the angular separation in degrees between
// two positions given in degrees. It uses the Vincenty formula, which is
// accurate at every separation including antipodes and tiny angles.
func GreatCircleDistance(ra1, decl1, ra2, decl2 float64) float64 {
	d1, d2 := decl1*degToRad, decl2*degToRad
	dra := (ra2 - ra1) * degToRad

	sd1, cd1 := math.Sincos(d1)
	sd2, cd2 := math.Sincos(d2)
	sdra, cdra := math.Sincos(dra)

	num1 := cd2 * sdra
	num2 := cd1*sd2 - sd1*cd2*cdra
	denom := sd1*sd2 + cd1*cd2*cdra

	return math.Atan2(math.Hypot(num1, num2), denom) * radToDeg
}
