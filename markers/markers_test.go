package markers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	calls     atomic.Int32
	cancelled atomic.Int32
	fail      int32
	err       error
	release   chan struct{}
}

func (s *fakeSource) Markers(ctx context.Context, filters FilterState) (*Response, error) {
	n := s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			s.cancelled.Add(1)
			return nil, ctx.Err()
		}
	}
	if n <= s.fail {
		return nil, s.err
	}
	return &Response{
		Markers: []geo.GeoPoint{{ID: "923609016", Label: "Equinor ASA", Lat: 58.97, Lng: 5.73}},
		Total:   1,
	}, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func newTestFetcher(t *testing.T, src Source, remote RemoteCache) *Fetcher {
	f := NewFetcher(src, DefaultOptions(), remote, zaptest.NewLogger(t))
	f.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func viewport(zoom int) *geo.Viewport {
	return &geo.Viewport{Bounds: geo.BoundingBox{West: 10.5, South: 59.8, East: 10.9, North: 60}, Zoom: zoom}
}

func ptr[T any](v T) *T { return &v }

func TestIsSelective(t *testing.T) {
	tests := []struct {
		name    string
		filters FilterState
		want    bool
	}{
		{"empty", FilterState{}, false},
		{"nace", FilterState{NaceCode: "62.010"}, true},
		{"org forms", FilterState{OrgForms: []string{"AS"}}, true},
		{"county", FilterState{CountyCode: "03"}, true},
		{"municipality", FilterState{MunicipalityCode: "0301"}, true},
		{"query only", FilterState{Query: "equinor"}, false},
		{"revenue range", FilterState{Revenue: Range{Min: ptr(1e6)}}, false},
		{"flags", FilterState{IsBankrupt: ptr(true)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.IsSelective())
		})
	}
}

func TestKey(t *testing.T) {
	a := FilterState{NaceCode: "62.010", OrgForms: []string{"ENK", "AS"}}
	b := FilterState{NaceCode: "62.010", OrgForms: []string{"AS", "ENK"}}
	assert.Equal(t, a.Key(), b.Key())

	c := a
	c.Employees = Range{Min: ptr(10.0)}
	assert.NotEqual(t, a.Key(), c.Key())

	assert.NotEqual(t, FilterState{CountyCode: "03"}.Key(), FilterState{MunicipalityCode: "03"}.Key())
}

func TestValues(t *testing.T) {
	founded := time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)
	f := FilterState{
		Query:         " bakeri ",
		NaceCode:      "10.711",
		OrgForms:      []string{"ENK", "AS"},
		Revenue:       Range{Min: ptr(500000.0), Max: ptr(2.5e6)},
		Founded:       DateRange{From: &founded},
		InLiquidation: ptr(false),
	}
	v := f.Values()
	assert.Equal(t, "bakeri", v.Get("q"))
	assert.Equal(t, "10.711", v.Get("nace_code"))
	assert.Equal(t, []string{"AS", "ENK"}, v["org_form"])
	assert.Equal(t, "500000", v.Get("revenue_min"))
	assert.Equal(t, "2500000", v.Get("revenue_max"))
	assert.Equal(t, "2020-01-15", v.Get("founded_from"))
	assert.Equal(t, "false", v.Get("in_liquidation"))
	assert.False(t, v.Has("profit_min"))
	assert.False(t, v.Has("county_code"))
}

func TestParseFilters(t *testing.T) {
	to := time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)
	f := FilterState{
		CountyCode:    "46",
		OrgForms:      []string{"AS"},
		Employees:     Range{Max: ptr(49.0)},
		Bankrupt:      DateRange{To: &to},
		HasAccounting: ptr(true),
	}
	parsed, err := ParseFilters(f.Values())
	require.NoError(t, err)
	assert.Equal(t, f.Key(), parsed.Key())

	_, err = ParseFilters(map[string][]string{"equity_min": {"lots"}})
	assert.ErrorContains(t, err, "equity_min")
}

func TestBlankOrgFormIsNotSelective(t *testing.T) {
	parsed, err := ParseFilters(map[string][]string{"org_form": {"", "  "}})
	require.NoError(t, err)
	assert.Empty(t, parsed.OrgForms)
	assert.False(t, parsed.IsSelective())

	parsed, err = ParseFilters(map[string][]string{"org_form": {"", "ENK"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ENK"}, parsed.OrgForms)

	decoded := FilterState{OrgForms: []string{""}}
	assert.False(t, decoded.IsSelective(), "blank forms from JSON do not enable markers either")
	assert.Equal(t, FilterState{}.Key(), decoded.Key())

	src := &fakeSource{}
	f := newTestFetcher(t, src, nil)
	_, err = f.Fetch(context.Background(), decoded, viewport(16))
	require.NoError(t, err)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestFetchBelowMinZoomSkipsNetwork(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src, nil)

	resp, err := f.Fetch(context.Background(), FilterState{NaceCode: "62.010"}, viewport(3))
	require.NoError(t, err)
	assert.Empty(t, resp.Markers)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestFetchWithoutSelectiveFilterSkipsNetwork(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src, nil)

	resp, err := f.Fetch(context.Background(), FilterState{}, viewport(16))
	require.NoError(t, err)
	assert.Empty(t, resp.Markers)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestFetchWithoutViewportSkipsNetwork(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src, nil)

	_, err := f.Fetch(context.Background(), FilterState{NaceCode: "62.010"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.True(t, f.Enabled(FilterState{NaceCode: "62.010"}, viewport(6)))
}

func TestFetchFreshWindow(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	filters := FilterState{MunicipalityCode: "0301"}

	_, err := f.Fetch(context.Background(), filters, viewport(10))
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	moved := viewport(12)
	moved.Bounds.West += 0.2
	resp, err := f.Fetch(context.Background(), filters, moved)
	require.NoError(t, err)
	assert.Len(t, resp.Markers, 1)
	assert.Equal(t, int32(1), src.calls.Load(), "same filters within the window are served from cache")

	now = now.Add(2 * time.Second)
	_, err = f.Fetch(context.Background(), filters, viewport(10))
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestConcurrentFetchesShareOneRequest(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	f := newTestFetcher(t, src, nil)
	filters := FilterState{NaceCode: "47.110"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.Fetch(context.Background(), filters, viewport(8))
			assert.NoError(t, err)
			assert.Len(t, resp.Markers, 1)
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestSharedRequestCancelledWhenLastCallerLeaves(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	f := newTestFetcher(t, src, nil)
	filters := FilterState{NaceCode: "62.010"}

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, ctx := range []context.Context{ctx1, ctx2} {
		go func(ctx context.Context) {
			_, err := f.Fetch(ctx, filters, viewport(8))
			errs <- err
		}(ctx)
	}
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		fl := f.flights[filters.Key()]
		return fl != nil && fl.waiters == 2 && src.calls.Load() == 1
	}, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Never(t, func() bool { return src.cancelled.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"the request keeps running while another caller waits")

	cancel2()
	assert.ErrorIs(t, <-errs, context.Canceled)
	require.Eventually(t, func() bool { return src.cancelled.Load() == 1 }, time.Second, time.Millisecond)

	close(src.release)
	resp, err := f.Fetch(context.Background(), filters, viewport(8))
	require.NoError(t, err)
	assert.Len(t, resp.Markers, 1)
	assert.Equal(t, int32(2), src.calls.Load(), "a later caller starts a new request")
}

func TestFetchRetries(t *testing.T) {
	src := &fakeSource{fail: 2, err: errors.New("connection reset")}
	f := newTestFetcher(t, src, nil)

	resp, err := f.Fetch(context.Background(), FilterState{CountyCode: "03"}, viewport(9))
	require.NoError(t, err)
	assert.Len(t, resp.Markers, 1)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	src := &fakeSource{fail: 100, err: &upstream.StatusError{StatusCode: 502}}
	f := newTestFetcher(t, src, nil)

	_, err := f.Fetch(context.Background(), FilterState{CountyCode: "03"}, viewport(9))
	assert.Error(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	src := &fakeSource{fail: 100, err: &upstream.StatusError{StatusCode: 400}}
	f := newTestFetcher(t, src, nil)

	_, err := f.Fetch(context.Background(), FilterState{CountyCode: "03"}, viewport(9))
	assert.Error(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRemoteTierSharedBetweenFetchers(t *testing.T) {
	remote := &mapCache{data: map[string][]byte{}}
	filters := FilterState{OrgForms: []string{"AS"}}

	first := &fakeSource{}
	_, err := newTestFetcher(t, first, remote).Fetch(context.Background(), filters, viewport(7))
	require.NoError(t, err)
	require.Len(t, remote.data, 1)

	second := &fakeSource{}
	resp, err := newTestFetcher(t, second, remote).Fetch(context.Background(), filters, viewport(7))
	require.NoError(t, err)
	assert.Len(t, resp.Markers, 1)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestClientMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/companies/markers", r.URL.Path)
		assert.Equal(t, "62.010", r.URL.Query().Get("nace_code"))
		w.Write([]byte(`{"markers":[{"id":"914778271","label":"Kahoot! ASA","lat":59.91,"lng":10.75,"employee_count":250,"category_code":"62.010"}],"total":500,"truncated":true}`))
	}))
	defer srv.Close()

	c := NewClient(upstream.New(srv.URL, time.Second, zaptest.NewLogger(t)))
	resp, err := c.Markers(context.Background(), FilterState{NaceCode: "62.010"})
	require.NoError(t, err)
	require.Len(t, resp.Markers, 1)
	assert.Equal(t, "Kahoot! ASA", resp.Markers[0].Label)
	require.NotNil(t, resp.Markers[0].EmployeeCount)
	assert.Equal(t, 250, *resp.Markers[0].EmployeeCount)
	assert.Equal(t, 500, resp.Total)
	assert.True(t, resp.Truncated)
}
