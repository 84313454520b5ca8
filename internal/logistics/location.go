package logistics

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const mapsBaseURL = "https://www.google.com/maps"

// ValidatePoint checks that p is a usable WGS84 coordinate.
func ValidatePoint(p orb.Point) error {
	if lat := p.Lat(); lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, lat)
	}
	if lng := p.Lon(); lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, lng)
	}
	return nil
}

// MapsLink renders p as https://www.google.com/maps?q=<lat>,<lng>.
func MapsLink(p orb.Point) string {
	return mapsBaseURL + "?q=" +
		strconv.FormatFloat(p.Lat(), 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Lon(), 'f', -1, 64)
}

func ParseMapsLink(link string) (orb.Point, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: maps link: %v", ErrInvalidInput, err)
	}
	lat, lng, ok := strings.Cut(u.Query().Get("q"), ",")
	if !ok {
		return orb.Point{}, fmt.Errorf("%w: maps link %q has no coordinates", ErrInvalidInput, link)
	}
	latF, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: latitude: %v", ErrInvalidInput, err)
	}
	lngF, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: longitude: %v", ErrInvalidInput, err)
	}
	p := orb.Point{lngF, latF}
	if err := ValidatePoint(p); err != nil {
		return orb.Point{}, err
	}
	return p, nil
}
