package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrInvalidCoordinate is returned when a registry coordinate cannot be used.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Site is a monitored dam as loaded from the registry. Coordinates keep the
// registry's text so that normalization happens in one place (Coordinates).
type Site struct {
	Name      string `json:"name" validate:"required"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

// Geo is a WGS-84 latitude/longitude pair.
type Geo struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// DisplayName is the upper-cased site name used in reports and as identity.
func (s Site) DisplayName() string {
	return strings.ToUpper(strings.TrimSpace(s.Name))
}

// Validate checks the fields a site needs to appear in a report.
func (s Site) Validate() error {
	return validate.Struct(s)
}

// Coordinates parses and range-checks the site's latitude and longitude.
func (s Site) Coordinates() (Geo, error) {
	lat, err := ParseCoordinate(s.Latitude)
	if err != nil {
		return Geo{}, fmt.Errorf("latitude %q: %w", s.Latitude, err)
	}
	lon, err := ParseCoordinate(s.Longitude)
	if err != nil {
		return Geo{}, fmt.Errorf("longitude %q: %w", s.Longitude, err)
	}
	geo := Geo{Lat: lat, Lon: lon}
	if err := validate.Struct(geo); err != nil {
		return Geo{}, fmt.Errorf("%w: %.6f,%.6f out of range", ErrInvalidCoordinate, lat, lon)
	}
	return geo, nil
}

// ParseCoordinate accepts numeric text using either '.' or ',' as the decimal
// separator, e.g. " -23,5505 " -> -23.5505.
func ParseCoordinate(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "−", "-")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidCoordinate)
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCoordinate, raw)
	}
	return v, nil
}
