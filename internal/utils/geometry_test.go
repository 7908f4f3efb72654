package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name: "same point",
			lat1: 51.5074, lon1: -0.1278,
			lat2: 51.5074, lon2: -0.1278,
			expected: 0, tolerance: 0.01,
		},
		{
			name: "across a neighborhood",
			lat1: 51.5074, lon1: -0.1278,
			lat2: 51.5154, lon2: -0.0922,
			expected: 2620, tolerance: 30,
		},
		{
			name: "across the city, exact path",
			lat1: 51.4700, lon1: -0.4543,
			lat2: 51.5054, lon2: 0.0500,
			expected: 35100, tolerance: 400,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Distance(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			assert.InDelta(t, tc.expected, got, tc.tolerance)
		})
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	forward := Distance(51.5074, -0.1278, 51.5154, -0.0922)
	backward := Distance(51.5154, -0.0922, 51.5074, -0.1278)
	assert.InDelta(t, forward, backward, 0.001)
}

func TestBoundsAround(t *testing.T) {
	center := struct{ lat, lon float64 }{51.5074, -0.1278}
	bounds := BoundsAround(center.lat, center.lon, 500)

	assert.True(t, bounds.Contains(center.lat, center.lon))

	// A point 400m east stays inside; one 800m east does not.
	assert.True(t, bounds.Contains(center.lat, center.lon+0.00578))
	assert.False(t, bounds.Contains(center.lat, center.lon+0.01156))

	latSpan := bounds.MaxLat - bounds.MinLat
	lonSpan := bounds.MaxLon - bounds.MinLon
	assert.InDelta(t, 0.00899, latSpan, 0.0001)
	assert.Greater(t, lonSpan, latSpan, "longitude degrees are shorter at this latitude")
}
