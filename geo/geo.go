// Package geo holds the map data model shared by the fetcher, the cluster
// engine and the rendering layers.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GeoPoint is one company location as returned by the markers endpoint.
// It is immutable once fetched and identified by ID (the org.nr).
type GeoPoint struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	EmployeeCount *int    `json:"employee_count"`
	CategoryCode  *string `json:"category_code"`
}

// HasEmployees reports whether the company has a known, non-zero head count.
func (p GeoPoint) HasEmployees() bool {
	return p.EmployeeCount != nil && *p.EmployeeCount > 0
}

// BoundingBox is the visible area of the map in degrees.
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// World covers the whole projectable earth.
var World = BoundingBox{West: -180, South: -85.05112878, East: 180, North: 85.05112878}

// Norway is the default map extent used by the dashboard.
var Norway = BoundingBox{West: 4.0, South: 57.8, East: 31.5, North: 71.3}

// maxLng bounds the longitudes a map may report. Maps that let the user
// pan across the antimeridian report values beyond ±180, but never by more
// than one extra turn.
const maxLng = 540

// Valid reports whether all edges are finite, latitudes lie in [-90, 90],
// longitudes in [-540, 540] and south is not above north.
func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.South < -90 || b.North > 90 {
		return false
	}
	if math.Abs(b.West) > maxLng || math.Abs(b.East) > maxLng {
		return false
	}
	return b.South <= b.North
}

// CrossesAntimeridian is true when the box wraps past 180 degrees.
func (b BoundingBox) CrossesAntimeridian() bool {
	return b.West > b.East
}

// Contains reports whether the coordinate lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lng float64) bool {
	if lat < b.South || lat > b.North {
		return false
	}
	if b.CrossesAntimeridian() {
		return lng >= b.West || lng <= b.East
	}
	return lng >= b.West && lng <= b.East
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (lat, lng float64) {
	east := b.East
	if b.CrossesAntimeridian() {
		east += 360
	}
	lng = (b.West + east) / 2
	if lng > 180 {
		lng -= 360
	}
	return (b.South + b.North) / 2, lng
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.West, b.South, b.East, b.North)
}

// ParseBBox parses "west,south,east,north".
func ParseBBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bbox must have 4 comma separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("invalid bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	b := BoundingBox{West: v[0], South: v[1], East: v[2], North: v[3]}
	if !b.Valid() {
		return BoundingBox{}, fmt.Errorf("invalid bbox %s", s)
	}
	return b, nil
}

// Viewport is what the map shows right now: bounds plus integer zoom.
type Viewport struct {
	Bounds BoundingBox `json:"bounds"`
	Zoom   int         `json:"zoom"`
}

// Level selects the administrative division a region layer draws.
type Level string

const (
	LevelCounty       Level = "county"
	LevelMunicipality Level = "municipality"
)

// ParseLevel accepts the two levels plus the Norwegian names used in URLs.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "county", "fylke", "":
		return LevelCounty, nil
	case "municipality", "kommune":
		return LevelMunicipality, nil
	default:
		return "", fmt.Errorf("unknown region level %q", s)
	}
}
