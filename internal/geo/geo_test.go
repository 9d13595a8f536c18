package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance_IdenticalPointsIsZero(t *testing.T) {
	points := []Coordinate{
		{0, 0},
		{51.5074, -0.1278},
		{-33.8688, 151.2093},
		{90, 0},
		{-90, 180},
	}
	for _, p := range points {
		assert.Equal(t, 0.0, Distance(p, p), "point %s", p)
	}
}

func TestDistance_Symmetric(t *testing.T) {
	a := Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	b := Coordinate{Latitude: 40.7128, Longitude: -74.0060}

	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-6)
}

func TestDistance_OneDegreeLatitudeAtEquator(t *testing.T) {
	d := Distance(Coordinate{0, 0}, Coordinate{1, 0})

	assert.InEpsilon(t, 111000.0, d, 0.01)
}

func TestDistance_Antipodal(t *testing.T) {
	d := Distance(Coordinate{0, 0}, Coordinate{0, 180})

	assert.InEpsilon(t, math.Pi*EarthRadiusMeters, d, 1e-9)
}

func TestDistance_KnownCityPair(t *testing.T) {
	london := Coordinate{Latitude: 51.5074, Longitude: -0.1278}
	paris := Coordinate{Latitude: 48.8566, Longitude: 2.3522}

	// 约 343.5 km
	assert.InEpsilon(t, 343500.0, Distance(london, paris), 0.005)
}

func TestWithin_Boundary(t *testing.T) {
	origin := Coordinate{Latitude: 10, Longitude: 10}
	other := Coordinate{Latitude: 10.5, Longitude: 10}

	d, ok := Within(origin, other, Distance(origin, other))
	assert.True(t, ok)
	assert.Greater(t, d, 0.0)

	_, ok = Within(origin, other, Distance(origin, other)-1)
	assert.False(t, ok)
}

func TestCoordinate_Validate(t *testing.T) {
	require.NoError(t, Coordinate{Latitude: 90, Longitude: -180}.Validate())
	require.NoError(t, Coordinate{Latitude: -45.25, Longitude: 179.999}.Validate())

	assert.Error(t, Coordinate{Latitude: 90.5, Longitude: 0}.Validate())
	assert.Error(t, Coordinate{Latitude: 0, Longitude: 180.01}.Validate())
	assert.Error(t, Coordinate{Latitude: math.NaN(), Longitude: 0}.Validate())
}

func TestBoundsAround_ContainsEveryPointInRadius(t *testing.T) {
	const radius = 100000.0
	centers := map[string]Coordinate{
		"new york":     {Latitude: 40.7128, Longitude: -74.0060},
		"antimeridian": {Latitude: -17.7, Longitude: 179.6},
		"high north":   {Latitude: 89.5, Longitude: 30},
		"equator":      {Latitude: 0, Longitude: 0},
	}
	for name, center := range centers {
		t.Run(name, func(t *testing.T) {
			b := BoundsAround(center, radius)
			for dLat := -1.5; dLat <= 1.5; dLat += 0.05 {
				for dLng := -3.0; dLng <= 3.0; dLng += 0.05 {
					p := Coordinate{Latitude: center.Latitude + dLat, Longitude: center.Longitude + dLng}
					if p.Latitude > 90 || p.Latitude < -90 {
						continue
					}
					if p.Longitude > 180 {
						p.Longitude -= 360
					}
					if p.Longitude < -180 {
						p.Longitude += 360
					}
					if Distance(center, p) <= radius {
						require.True(t, b.Contains(p), "%s inside radius but outside %+v", p, b)
					}
				}
			}
		})
	}
}

func TestBoundsAround_Shape(t *testing.T) {
	b := BoundsAround(Coordinate{Latitude: -17.7, Longitude: 179.6}, 100000)
	assert.True(t, b.CrossesAntimeridian())
	assert.False(t, b.Contains(Coordinate{Latitude: -17.7, Longitude: 0}))

	polar := BoundsAround(Coordinate{Latitude: 89.5, Longitude: 30}, 100000)
	assert.Equal(t, 90.0, polar.MaxLatitude)
	assert.Equal(t, -180.0, polar.MinLongitude)
	assert.Equal(t, 180.0, polar.MaxLongitude)

	nyc := BoundsAround(Coordinate{Latitude: 40.7128, Longitude: -74.0060}, 100000)
	assert.False(t, nyc.CrossesAntimeridian())
	assert.False(t, nyc.Contains(Coordinate{Latitude: 0, Longitude: 0}))
}
