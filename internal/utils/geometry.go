package utils

import "math"

// RadiusOfEarthMeters is the mean Earth radius.
const RadiusOfEarthMeters = 6371010.0

// CoordinateBounds is a latitude/longitude box.
type CoordinateBounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether the point lies inside the box.
func (b CoordinateBounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Distance returns the meters between two points. Dock searches span a
// city at most, so differences under 0.2 degrees take an
// equirectangular shortcut; anything larger falls back to the exact
// great-circle formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if math.Abs(lat2-lat1) < 0.2 && math.Abs(lon2-lon1) < 0.2 {
		lat1Rad := lat1 * (math.Pi / 180)
		lat2Rad := lat2 * (math.Pi / 180)
		x := (lon2 - lon1) * (math.Pi / 180) * math.Cos((lat1Rad+lat2Rad)/2)
		y := (lat2 - lat1) * (math.Pi / 180)
		return RadiusOfEarthMeters * math.Sqrt(x*x+y*y)
	}

	lat1Rad := lat1 * (math.Pi / 180)
	lon1Rad := lon1 * (math.Pi / 180)
	lat2Rad := lat2 * (math.Pi / 180)
	lon2Rad := lon2 * (math.Pi / 180)
	deltaLon := lon2Rad - lon1Rad

	y := math.Sqrt(math.Pow(math.Cos(lat2Rad)*math.Sin(deltaLon), 2) +
		math.Pow(math.Cos(lat1Rad)*math.Sin(lat2Rad)-math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon), 2))
	x := math.Sin(lat1Rad)*math.Sin(lat2Rad) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	return RadiusOfEarthMeters * math.Atan2(y, x)
}

// BoundsAround returns the box that holds every point within radius
// meters of the center. Longitude degrees shrink with latitude, so the
// east-west span widens accordingly.
func BoundsAround(lat, lon, radius float64) CoordinateBounds {
	latOffset := (radius / RadiusOfEarthMeters) * (180 / math.Pi)
	lonRadius := math.Cos(lat*(math.Pi/180)) * RadiusOfEarthMeters
	lonOffset := (radius / lonRadius) * (180 / math.Pi)

	return CoordinateBounds{
		MinLat: lat - latOffset,
		MaxLat: lat + latOffset,
		MinLon: lon - lonOffset,
		MaxLon: lon + lonOffset,
	}
}
