package region

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/choropleth"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const municipalities = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"kommunenummer": "0301", "kommunenavn": "Oslo"},
     "geometry": {"type": "Polygon", "coordinates": [[[10.6,59.8],[10.9,59.8],[10.9,60.0],[10.6,60.0],[10.6,59.8]]]}},
    {"type": "Feature", "properties": {"kommunenummer": "1103", "kommunenavn": "Stavanger"},
     "geometry": {"type": "MultiPolygon", "coordinates": [[[[5.6,58.9],[5.8,58.9],[5.8,59.0],[5.6,59.0],[5.6,58.9]]]]}},
    {"type": "Feature", "properties": {"name": "Rådhuset"},
     "geometry": {"type": "Point", "coordinates": [10.73,59.91]}}
  ]
}`

func loadTestBoundaries(t *testing.T) *Boundaries {
	b, err := LoadBoundaries(strings.NewReader(municipalities), geo.LevelMunicipality)
	require.NoError(t, err)
	return b
}

func testStats() []geostats.RegionStat {
	pop := 709000
	return []geostats.RegionStat{
		{Code: "0301", Name: "Oslo", Value: 98000, Population: &pop},
		{Code: "1103", Name: "Stavanger", Value: 21000},
	}
}

func TestLoadBoundaries(t *testing.T) {
	b := loadTestBoundaries(t)
	assert.Equal(t, geo.LevelMunicipality, b.Level)
	assert.Equal(t, []string{"0301", "1103"}, b.Codes())

	r, ok := b.Get("1103")
	require.True(t, ok)
	assert.Equal(t, "Stavanger", r.Name)
}

func TestLoadBoundaryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kommuner.geojson")
	require.NoError(t, os.WriteFile(path, []byte(municipalities), 0o644))

	b, err := LoadBoundaryFile(path, geo.LevelMunicipality)
	require.NoError(t, err)
	assert.Len(t, b.Regions, 2)

	_, err = LoadBoundaryFile(filepath.Join(t.TempDir(), "missing.geojson"), geo.LevelCounty)
	assert.Error(t, err)
}

func TestLoadBoundariesErrors(t *testing.T) {
	_, err := LoadBoundaries(strings.NewReader(`{"type":"FeatureCollection","features":[]}`), geo.LevelCounty)
	assert.Error(t, err)

	_, err = LoadBoundaries(strings.NewReader(`not json`), geo.LevelCounty)
	assert.Error(t, err)

	dup := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"code":"03"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}},
	  {"type":"Feature","properties":{"code":"03"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`
	_, err = LoadBoundaries(strings.NewReader(dup), geo.LevelCounty)
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadBoundariesPadsNumericCodes(t *testing.T) {
	numeric := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"kommunenummer":301,"kommunenavn":"Oslo"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}},
	  {"type":"Feature","properties":{"kommunenummer":5001,"kommunenavn":"Trondheim"},"geometry":{"type":"Polygon","coordinates":[[[2,2],[3,2],[3,3],[2,2]]]}}]}`
	b, err := LoadBoundaries(strings.NewReader(numeric), geo.LevelMunicipality)
	require.NoError(t, err)
	assert.Equal(t, []string{"0301", "5001"}, b.Codes())

	county := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"fylkesnummer":3,"fylkesnavn":"Oslo"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`
	b, err = LoadBoundaries(strings.NewReader(county), geo.LevelCounty)
	require.NoError(t, err)
	_, ok := b.Get("03")
	assert.True(t, ok)
}

func TestAt(t *testing.T) {
	b := loadTestBoundaries(t)

	r, ok := b.At(59.91, 10.75)
	require.True(t, ok)
	assert.Equal(t, "0301", r.Code)

	r, ok = b.At(58.97, 5.73)
	require.True(t, ok)
	assert.Equal(t, "1103", r.Code)

	_, ok = b.At(63.43, 10.39)
	assert.False(t, ok)

	l := NewLayer(b, geo.LevelCounty)
	assert.Equal(t, geo.LevelMunicipality, l.Level(), "boundaries decide the level")
	code, ok := l.RegionAt(59.91, 10.75)
	assert.True(t, ok)
	assert.Equal(t, "0301", code)
}

func TestSelectingReplacesPreviousSelection(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	l.SetStats(testStats())

	_, err := l.Click("1103")
	require.NoError(t, err)
	_, err = l.Click("0301")
	require.NoError(t, err)

	sel := l.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, "0301", sel.Code)
	assert.Equal(t, "Oslo", sel.Name)
	assert.Equal(t, 98000.0, sel.Value)
	require.NotNil(t, sel.Population)

	stavanger := l.Style("1103")
	assert.Equal(t, fillOpacity, stavanger.FillOpacity)
	assert.Equal(t, borderColor, stavanger.Stroke)

	selected := 0
	for code := range l.Styles() {
		if l.Style(code).FillOpacity == 0 {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestHoverIsIndependentOfSelection(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	l.SetStats(testStats())

	require.NoError(t, l.PointerEnter("1103"))
	assert.Equal(t, "1103", l.Hovered())
	assert.Nil(t, l.Selected())
	hovered := l.Style("1103")
	assert.True(t, hovered.Front)
	assert.Equal(t, 3.0, hovered.Weight)
	assert.Equal(t, fillOpacity, hovered.FillOpacity)

	_, err := l.Click("1103")
	require.NoError(t, err)
	l.PointerLeave("1103")
	assert.Empty(t, l.Hovered())

	resting := l.Style("1103")
	assert.Equal(t, 0.0, resting.FillOpacity, "selected region rests as outline only")
	assert.Equal(t, selectedColor, resting.Stroke)
	assert.False(t, resting.Front)

	l.Deselect()
	assert.Nil(t, l.Selected())
	assert.Equal(t, fillOpacity, l.Style("1103").FillOpacity)
}

func TestPointerLeaveOtherRegionKeepsHover(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	require.NoError(t, l.PointerEnter("0301"))
	l.PointerLeave("1103")
	assert.Equal(t, "0301", l.Hovered())
}

func TestMissingStatisticIsNoData(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	l.SetStats(testStats()[:1])

	assert.Equal(t, choropleth.NoData.Hex(), l.Style("1103").Fill)
	assert.Equal(t, choropleth.Hex(98000, 98000), l.Style("0301").Fill)
	assert.Len(t, l.Styles(), 2)

	tip := l.Tooltip("1103")
	assert.Equal(t, "Stavanger", tip.Name, "name falls back to the boundary")
	assert.Equal(t, "Stavanger: 0", tip.Text)
}

func TestSetStatsClearsVanishedSelection(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	l.SetStats(testStats())
	_, err := l.Click("1103")
	require.NoError(t, err)

	l.SetStats(testStats())
	require.NotNil(t, l.Selected(), "selection survives when its code is still present")

	l.SetStats(testStats()[:1])
	assert.Nil(t, l.Selected())
	assert.Equal(t, 98000.0, l.Max())
}

func TestOnClick(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	l.SetStats(testStats())

	var got []Click
	off := l.OnClick(func(c Click) { got = append(got, c) })

	_, err := l.Click("0301")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Click{Name: "Oslo", Code: "0301", Level: geo.LevelMunicipality}, got[0])

	off()
	_, err = l.Click("1103")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUnknownRegion(t *testing.T) {
	l := NewLayer(loadTestBoundaries(t), "")
	_, err := l.Click("9999")
	assert.True(t, errors.Is(err, ErrUnknownRegion))
	assert.True(t, errors.Is(l.PointerEnter("9999"), ErrUnknownRegion))
	assert.Nil(t, l.Selected())
}

func TestTooltip(t *testing.T) {
	l := NewLayer(nil, geo.LevelCounty)
	l.SetStats([]geostats.RegionStat{{Code: "03", Name: "Oslo", Value: 98000}})
	assert.Equal(t, "Oslo: 98,000", l.Tooltip("03").Text)
	assert.Len(t, l.Styles(), 1)
}
