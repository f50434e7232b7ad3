/*
geofence.go - Great-circle distance validation

PURPOSE:
  Decides whether a reported position is inside a job's circular geofence.
  Pure computation: no store access, no side effects.

POLICY:
  The effective allowed radius is the configured tolerance plus the FULL
  reported GPS accuracy. Poor accuracy is forgiven up to its own error
  margin. Tightening this to a fraction of the accuracy is a product
  decision; keep the policy in one place so that change stays one line.
*/
package clock

import "math"

const earthRadiusM = 6371000.0

// GeofenceResult is the in/out decision with its supporting numbers.
type GeofenceResult struct {
	WithinFence      bool
	DistanceM        float64
	EffectiveRadiusM float64
}

// EvaluateGeofence computes the haversine distance between the reported
// position and the job anchor and compares it against the effective radius.
// Coordinate validation happens upstream; this function assumes sane input.
func EvaluateGeofence(reported Location, anchor GeoPoint, toleranceM float64) GeofenceResult {
	dist := HaversineM(reported.GeoPoint, anchor)
	allowed := toleranceM + reported.AccuracyM

	return GeofenceResult{
		WithinFence:      dist <= allowed,
		DistanceM:        dist,
		EffectiveRadiusM: allowed,
	}
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
