// Package geo maps coordinates onto H3 hexagonal cells.
package geo

import (
	"fmt"
	"math"

	"github.com/uber/h3-go/v4"
)

const (
	DefaultResolution = 8
	MaxResolution     = 15
)

// IndexError reports coordinates or a resolution that cannot be indexed.
type IndexError struct {
	Latitude   float64
	Longitude  float64
	Resolution int
	Err        error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("h3 index (%f, %f) res %d: %v", e.Latitude, e.Longitude, e.Resolution, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// CellID returns the H3 cell containing (lat, lon) at the given resolution,
// formatted as its lowercase hex string.
func CellID(lat, lon float64, resolution int) (string, error) {
	if err := validate(lat, lon, resolution); err != nil {
		return "", &IndexError{Latitude: lat, Longitude: lon, Resolution: resolution, Err: err}
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), resolution)
	if err != nil {
		return "", &IndexError{Latitude: lat, Longitude: lon, Resolution: resolution, Err: err}
	}
	return cell.String(), nil
}

func validate(lat, lon float64, resolution int) error {
	if resolution < 0 || resolution > MaxResolution {
		return fmt.Errorf("resolution out of range [0, %d]", MaxResolution)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("non-finite coordinate")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude out of range")
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude out of range")
	}
	return nil
}

// Indexer carries the process-wide resolution.
type Indexer struct {
	Resolution int
}

func NewIndexer(resolution int) Indexer {
	return Indexer{Resolution: resolution}
}

func (i Indexer) CellID(lat, lon float64) (string, error) {
	return CellID(lat, lon, i.Resolution)
}
