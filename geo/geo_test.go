package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("10.5, 59.8,11,60.1")
	require.NoError(t, err)
	assert.Equal(t, BoundingBox{West: 10.5, South: 59.8, East: 11, North: 60.1}, b)

	_, err = ParseBBox("1,2,3")
	assert.Error(t, err)
	_, err = ParseBBox("1,2,x,4")
	assert.Error(t, err)
	_, err = ParseBBox("0,10,1,5")
	assert.Error(t, err, "south above north")
}

func TestBoundingBoxValid(t *testing.T) {
	assert.True(t, Norway.Valid())
	assert.True(t, World.Valid())
	assert.True(t, BoundingBox{West: 170, South: -10, East: 190, North: 10}.Valid())

	for name, b := range map[string]BoundingBox{
		"huge span":     {West: -1e20, South: 50, East: 1e20, North: 60},
		"west too far":  {West: -541, South: 0, East: 10, North: 1},
		"north of pole": {West: 0, South: 0, East: 10, North: 91},
		"south of pole": {West: 0, South: -91, East: 10, North: 0},
		"south on top":  {West: 0, South: 10, East: 10, North: 5},
	} {
		assert.False(t, b.Valid(), name)
	}
}

func TestBoundingBoxContains(t *testing.T) {
	oslo := BoundingBox{West: 10.6, South: 59.85, East: 10.9, North: 59.98}
	assert.True(t, oslo.Contains(59.91, 10.75))
	assert.False(t, oslo.Contains(60.39, 5.32))

	wrap := BoundingBox{West: 170, South: -10, East: -170, North: 10}
	assert.True(t, wrap.CrossesAntimeridian())
	assert.True(t, wrap.Contains(0, 175))
	assert.True(t, wrap.Contains(0, -175))
	assert.False(t, wrap.Contains(0, 0))
}

func TestCenterAcrossAntimeridian(t *testing.T) {
	lat, lng := BoundingBox{West: 170, South: -10, East: -170, North: 10}.Center()
	assert.InDelta(t, 0, lat, 1e-9)
	assert.InDelta(t, 180, lng, 1e-9)
}

func TestHasEmployees(t *testing.T) {
	zero, five := 0, 5
	assert.False(t, GeoPoint{}.HasEmployees())
	assert.False(t, GeoPoint{EmployeeCount: &zero}.HasEmployees())
	assert.True(t, GeoPoint{EmployeeCount: &five}.HasEmployees())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("kommune")
	require.NoError(t, err)
	assert.Equal(t, LevelMunicipality, l)
	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelCounty, l)
	_, err = ParseLevel("state")
	assert.Error(t, err)
}
