package archive

import (
	"fmt"
	"math"
)

// Accepted coordinate ranges. Longitudes up to 360 are allowed because ERA5-Land
// grids use 0..360.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 360.0
)

// ValidateCoordinates checks that lat and lon are finite and in range.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < MinLatitude || lat > MaxLatitude {
		return fmt.Errorf("latitude %v out of range [%v, %v]", lat, MinLatitude, MaxLatitude)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < MinLongitude || lon > MaxLongitude {
		return fmt.Errorf("longitude %v out of range [%v, %v]", lon, MinLongitude, MaxLongitude)
	}
	return nil
}
