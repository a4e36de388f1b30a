package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, opts Options) *Pool {
	p := NewPool(opts, zaptest.NewLogger(t))
	t.Cleanup(p.Close)
	return p
}

func TestIndexReusesSamePointSet(t *testing.T) {
	p := newTestPool(t, Options{})
	points := cluster.GenerateTestPoints(200, geo.Norway, 1)

	first := p.Index("markers:nace_code=62.010", points)
	require.Equal(t, 200, first.Len())

	shuffled := append([]geo.GeoPoint(nil), points...)
	shuffled[0], shuffled[199] = shuffled[199], shuffled[0]
	assert.Same(t, first, p.Index("markers:nace_code=62.010", shuffled))

	rebuilt := p.Index("markers:nace_code=62.010", points[:150])
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 150, rebuilt.Len())
	assert.Equal(t, 1, p.Len())
}

func TestIndexEvictsLeastRecentlyUsed(t *testing.T) {
	p := newTestPool(t, Options{MaxIndexes: 2})
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	points := cluster.GenerateTestPoints(20, geo.Norway, 2)

	p.Index("a", points)
	now = now.Add(time.Second)
	p.Index("b", points)
	now = now.Add(time.Second)
	_, ok := p.Get("a")
	require.True(t, ok)
	now = now.Add(time.Second)
	p.Index("c", points)

	assert.Equal(t, 2, p.Len())
	_, ok = p.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = p.Get("a")
	assert.True(t, ok)
}

func TestEvictIdle(t *testing.T) {
	p := newTestPool(t, Options{IdleTTL: time.Hour, JanitorInterval: time.Hour})
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	points := cluster.GenerateTestPoints(10, geo.Norway, 3)

	p.Index("old", points)
	now = now.Add(45 * time.Minute)
	p.Index("fresh", points)
	now = now.Add(30 * time.Minute)

	assert.Equal(t, 1, p.evictIdle())
	_, ok := p.Get("fresh")
	assert.True(t, ok)
}

func TestJanitorRunsUntilClose(t *testing.T) {
	p := NewPool(Options{IdleTTL: time.Millisecond, JanitorInterval: time.Millisecond}, nil)
	p.Index("k", cluster.GenerateTestPoints(5, geo.Norway, 4))

	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, time.Millisecond)
	p.Close()
	p.Close()
}

func TestSnapshotSaveListLoad(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, Options{Dir: dir})
	points := cluster.GenerateTestPoints(300, geo.Norway, 5)
	sc := p.Index("markers:county_code=03", points)

	info, err := p.Save("markers:county_code=03")
	require.NoError(t, err)
	assert.Equal(t, 300, info.NumPoints)
	assert.Len(t, info.ID, 8)
	assert.Greater(t, info.FileSize, int64(0))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	infos, err := p.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, info.ID, infos[0].ID)

	loaded, err := p.LoadFile(info.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.Points, loaded.Points)

	again, err := p.LoadFile(info.ID)
	require.NoError(t, err)
	assert.Same(t, loaded, again)

	_, err = p.LoadFile("deadbeef")
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

func TestSaveWithoutDir(t *testing.T) {
	p := newTestPool(t, Options{})
	p.Index("k", cluster.GenerateTestPoints(5, geo.Norway, 6))

	_, err := p.Save("k")
	assert.Error(t, err)
	_, err = p.Save("missing")
	assert.Error(t, err)

	infos, err := p.List()
	assert.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSnapshotFilename(t *testing.T) {
	at := time.Date(2024, 11, 2, 14, 30, 5, 0, time.UTC)
	name, id := snapshotFilename(1500, at)
	assert.Equal(t, "index-1500p-20241102-143005-"+id+".zst", name)

	info, err := parseSnapshotFilename(filepath.Join("data", name))
	require.NoError(t, err)
	assert.Equal(t, 1500, info.NumPoints)
	assert.True(t, at.Equal(info.Timestamp))
	assert.Equal(t, id, info.ID)

	_, err = parseSnapshotFilename("cluster-10p-x.zst")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := geo.GeoPoint{ID: "a", Lat: 59.9, Lng: 10.7}
	b := geo.GeoPoint{ID: "b", Lat: 60.4, Lng: 5.3}
	x := geo.GeoPoint{ID: "x", Lat: 63.4, Lng: 10.4}
	y := geo.GeoPoint{ID: "y", Lat: 69.6, Lng: 18.9}

	assert.Equal(t, fingerprint([]geo.GeoPoint{a, b, x}), fingerprint([]geo.GeoPoint{x, a, b}), "order does not matter")
	assert.NotEqual(t, fingerprint([]geo.GeoPoint{a, b, x, x}), fingerprint([]geo.GeoPoint{a, b, y, y}), "duplicates do not cancel")

	split1 := geo.GeoPoint{ID: "12", Label: "3", Lat: 59.9, Lng: 10.7}
	split2 := geo.GeoPoint{ID: "1", Label: "23", Lat: 59.9, Lng: 10.7}
	assert.NotEqual(t, fingerprint([]geo.GeoPoint{split1}), fingerprint([]geo.GeoPoint{split2}), "field boundaries are part of the hash")
}
