// Package region draws administrative boundaries shaded by a statistic and
// tracks which region is hovered and which is selected.
package region

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

var ErrUnknownRegion = errors.New("unknown region")

// Property names tried, in order, for a feature's code and name.
var (
	codeProps = []string{"kommunenummer", "fylkesnummer", "code"}
	nameProps = []string{"kommunenavn", "fylkesnavn", "name"}
)

type Region struct {
	Code     string
	Name     string
	Geometry orb.Geometry
	Bound    orb.Bound
}

// Boundaries holds the polygons of one administrative level.
type Boundaries struct {
	Level   geo.Level
	Regions []Region
	byCode  map[string]int
}

// LoadBoundaries parses a GeoJSON FeatureCollection. Features without a
// polygon geometry or a code are skipped.
func LoadBoundaries(r io.Reader, level geo.Level) (*Boundaries, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read boundaries: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse boundaries: %w", err)
	}

	b := &Boundaries{Level: level, byCode: make(map[string]int, len(fc.Features))}
	for _, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		code := codeProperty(f.Properties, level)
		if code == "" {
			continue
		}
		if _, dup := b.byCode[code]; dup {
			return nil, fmt.Errorf("duplicate region code %q", code)
		}
		b.byCode[code] = len(b.Regions)
		b.Regions = append(b.Regions, Region{
			Code:     code,
			Name:     property(f.Properties, nameProps),
			Geometry: f.Geometry,
			Bound:    f.Geometry.Bound(),
		})
	}
	if len(b.Regions) == 0 {
		return nil, errors.New("boundaries contain no polygons")
	}
	return b, nil
}

// LoadBoundaryFile reads a GeoJSON file of one level.
func LoadBoundaryFile(path string, level geo.Level) (*Boundaries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := LoadBoundaries(f, level)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func (b *Boundaries) Get(code string) (Region, bool) {
	i, ok := b.byCode[code]
	if !ok {
		return Region{}, false
	}
	return b.Regions[i], true
}

// Codes returns all region codes in sorted order.
func (b *Boundaries) Codes() []string {
	codes := make([]string, 0, len(b.Regions))
	for _, r := range b.Regions {
		codes = append(codes, r.Code)
	}
	sort.Strings(codes)
	return codes
}

// At returns the region containing the point.
func (b *Boundaries) At(lat, lng float64) (Region, bool) {
	p := orb.Point{lng, lat}
	for _, r := range b.Regions {
		if !r.Bound.Contains(p) {
			continue
		}
		if contains(r.Geometry, p) {
			return r, true
		}
	}
	return Region{}, false
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch g := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

func property(props geojson.Properties, keys []string) string {
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// codeProperty reads the region code. Numeric codes are zero padded to
// the width of the level, so kommunenummer 301 becomes "0301".
func codeProperty(props geojson.Properties, level geo.Level) string {
	width := 2
	if level == geo.LevelMunicipality {
		width = 4
	}
	for _, k := range codeProps {
		switch v := props[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v >= 0 && v == math.Trunc(v) {
				return fmt.Sprintf("%0*d", width, int64(v))
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
