package similarity

import (
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
)

const earthRadiusKM = 6371.0088

// NewPoint builds a WGS84 point from latitude and longitude.
func NewPoint(lat, lon float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
}

// ParsePoint parses "lat,lon" text into a point.
func ParsePoint(s string) (*geom.Point, bool) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return nil, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, false
	}
	return NewPoint(lat, lon), true
}

// HaversineKM returns the great-circle distance between two points.
func HaversineKM(p, q *geom.Point) float64 {
	lat1, lon1 := radians(p.Y()), radians(p.X())
	lat2, lon2 := radians(q.Y()), radians(q.X())
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Proximity maps a distance onto [0, 1]: 1 at zero distance, 0 at or beyond
// maxKM.
func Proximity(distanceKM, maxKM float64) float64 {
	if maxKM <= 0 {
		if distanceKM == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-distanceKM/maxKM)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
