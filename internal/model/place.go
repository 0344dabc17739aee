package model

import (
	"math"

	"github.com/twpayne/go-geom"
)

// Place is an entry from the source catalog ("saved place"). Immutable once
// a session has matched against it; other records reference it by ID.
type Place struct {
	ID         string   `json:"id"`
	PackID     string   `json:"pack_id"`
	Name       string   `json:"name"`
	Address    string   `json:"address,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// NormalizedCandidate is the common shape every map-provider client returns
// for a search hit. The matching engine treats it as a read-only value.
type NormalizedCandidate struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Address    string   `json:"address,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Rating     float64  `json:"rating,omitempty"`
	URL        string   `json:"url,omitempty"`
}

// Coord returns the place coordinates in lon/lat order and whether both
// components are usable.
func (p Place) Coord() (geom.Coord, bool) {
	return coordOf(p.Longitude, p.Latitude)
}

// Coord returns the candidate coordinates in lon/lat order and whether both
// components are usable.
func (c NormalizedCandidate) Coord() (geom.Coord, bool) {
	return coordOf(c.Longitude, c.Latitude)
}

// coordOf validates a lon/lat pair. NaN, infinite, and out-of-range values
// are treated as absent so malformed provider data drops the distance
// factor instead of poisoning a score.
func coordOf(lng, lat *float64) (geom.Coord, bool) {
	if lng == nil || lat == nil {
		return nil, false
	}
	x, y := *lng, *lat
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return nil, false
	}
	if x < -180 || x > 180 || y < -90 || y > 90 {
		return nil, false
	}
	return geom.Coord{x, y}, true
}

// Float64Ptr is a convenience for building optional coordinate fields.
func Float64Ptr(v float64) *float64 { return &v }
