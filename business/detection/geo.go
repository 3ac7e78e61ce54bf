package detection

import "math"

//earthRadiusMeters is the WGS84 equatorial radius
const earthRadiusMeters = 6378137.0

//degToRad converts degrees to radians
func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}

//HaversineMeters calculates the great-circle distance in meters between two
//coordinate pairs on the WGS84 sphere
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degToRad(lat2 - lat1)
	dLon := degToRad(lon2 - lon1)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(lat1))*math.Cos(degToRad(lat2))*sinLon*sinLon

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

//boundingBox accumulates the min/max coordinates seen during a trip.
//the zero value is empty, extend before reading the diameter
type boundingBox struct {
	minLat, maxLat float64
	minLon, maxLon float64
	set            bool
}

//extend grows the box to include the coordinate
func (b *boundingBox) extend(lat, lon float64) {
	if !b.set {
		b.minLat, b.maxLat = lat, lat
		b.minLon, b.maxLon = lon, lon
		b.set = true
		return
	}
	b.minLat = math.Min(b.minLat, lat)
	b.maxLat = math.Max(b.maxLat, lat)
	b.minLon = math.Min(b.minLon, lon)
	b.maxLon = math.Max(b.maxLon, lon)
}

//diameterMeters returns the great-circle distance between the box corners,
//zero for an empty box
func (b *boundingBox) diameterMeters() float64 {
	if !b.set {
		return 0
	}
	return HaversineMeters(b.minLat, b.minLon, b.maxLat, b.maxLon)
}
