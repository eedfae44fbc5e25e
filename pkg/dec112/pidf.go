// pkg/dec112/pidf.go
package dec112

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	ErrNoGeopriv  = errors.New("no geopriv element")
	ErrNoGeometry = errors.New("no supported geometry")
	ErrBadPos     = errors.New("malformed position")
)

var posRe = regexp.MustCompile(`^\s*([+-]?\d+(?:\.\d+)?)\s+([+-]?\d+(?:\.\d+)?)(?:\s+([+-]?\d+(?:\.\d+)?))?`)

// ParsePIDF extracts the first Point or Circle location of a PIDF-LO document.
// Only device and tuple presence types are read.
func ParsePIDF(doc string) (Location, error) {
	root, err := parseXML(doc)
	if err != nil {
		return Location{}, fmt.Errorf("failed to parse pidf: %w", err)
	}

	geopriv := root.path("device", "geopriv")
	if geopriv == nil {
		geopriv = root.path("tuple", "status", "geopriv")
	}
	if geopriv == nil {
		return Location{}, ErrNoGeopriv
	}
	method := geopriv.child("method").value()

	info := geopriv.path("location-info", "location")
	if info == nil {
		info = geopriv.child("location-info")
	}
	if info == nil {
		return Location{}, ErrNoGeometry
	}

	if point := info.child("point"); point != nil {
		return parsePos(point.find("pos").value(), method)
	}
	if circle := info.child("circle"); circle != nil {
		loc, err := parsePos(circle.find("pos").value(), method)
		if err != nil {
			return Location{}, err
		}
		if r, err := strconv.ParseFloat(circle.child("radius").value(), 64); err == nil {
			loc.Radius = &r
		}
		return loc, nil
	}
	return Location{}, ErrNoGeometry
}

func parsePos(raw, method string) (Location, error) {
	m := posRe.FindStringSubmatch(raw)
	if m == nil {
		return Location{}, fmt.Errorf("%w: %q", ErrBadPos, raw)
	}
	lat, _ := strconv.ParseFloat(m[1], 64)
	lon, _ := strconv.ParseFloat(m[2], 64)
	loc := Location{Latitude: lat, Longitude: lon, Method: method}
	if m[3] != "" {
		alt, _ := strconv.ParseFloat(m[3], 64)
		loc.Altitude = &alt
	}
	return loc, nil
}
