package detection

import (
	"math"
	"testing"

	"github.com/matryer/is"
)

func TestHaversineMeters(t *testing.T) {
	is := is.New(t)

	//zero distance
	is.Equal(HaversineMeters(45.5, -122.6, 45.5, -122.6), 0.0)

	//one degree of latitude on the WGS84 sphere is close to 111.32 km
	oneDegree := HaversineMeters(0, 0, 1, 0)
	is.True(math.Abs(oneDegree-111319.49) < 1)

	//symmetric
	is.Equal(HaversineMeters(10, 20, 10.01, 20.01), HaversineMeters(10.01, 20.01, 10, 20))

	//longitude shrinks with latitude
	atEquator := HaversineMeters(0, 0, 0, 1)
	atSixty := HaversineMeters(60, 0, 60, 1)
	is.True(atSixty < atEquator*0.51)
}

func TestBoundingBox(t *testing.T) {
	is := is.New(t)

	var b boundingBox
	is.Equal(b.diameterMeters(), 0.0)

	b.extend(10.0, 20.0)
	is.Equal(b.diameterMeters(), 0.0)

	b.extend(10.001, 20.001)
	b.extend(10.0005, 20.0005)

	is.Equal(b.minLat, 10.0)
	is.Equal(b.maxLat, 10.001)
	is.Equal(b.minLon, 20.0)
	is.Equal(b.maxLon, 20.001)

	//the interior point must not have grown the box
	is.Equal(b.diameterMeters(), HaversineMeters(10.0, 20.0, 10.001, 20.001))
}
