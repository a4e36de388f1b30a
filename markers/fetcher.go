package markers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/upstream"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	MinZoom      int
	FreshFor     time.Duration
	Retries      int
	RetryBackoff time.Duration
	CacheSize    int
	// FlightTimeout bounds a shared upstream request.
	FlightTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MinZoom:       6,
		FreshFor:      60 * time.Second,
		Retries:       2,
		RetryBackoff:  time.Second,
		CacheSize:     256,
		FlightTimeout: 30 * time.Second,
	}
}

// Fetcher decides whether markers should be fetched and serves them from
// cache when a fresh copy exists. Bounds never take part in the cache key:
// panning inside a loaded filter set does not refetch.
type Fetcher struct {
	src    Source
	opts   Options
	local  *localCache
	remote RemoteCache
	group  singleflight.Group
	log    *zap.Logger

	mu      sync.Mutex
	flights map[string]*flight
	nextGen uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher wraps src. remote may be nil.
func NewFetcher(src Source, opts Options, remote RemoteCache, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = 30 * time.Second
	}
	return &Fetcher{
		src:     src,
		opts:    opts,
		local:   newLocalCache(opts.CacheSize),
		remote:  remote,
		log:     log,
		flights: make(map[string]*flight),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Enabled reports whether a fetch is permitted: a selective filter, a known
// viewport and a zoom at or above MinZoom.
func (f *Fetcher) Enabled(filters FilterState, vp *geo.Viewport) bool {
	return filters.IsSelective() && vp != nil && vp.Zoom >= f.opts.MinZoom
}

// Fetch returns the markers for filters. When fetching is not enabled it
// returns an empty response without touching the network.
func (f *Fetcher) Fetch(ctx context.Context, filters FilterState, vp *geo.Viewport) (*Response, error) {
	if !f.Enabled(filters, vp) {
		metrics.MarkerSkippedTotal.Inc()
		return &Response{}, nil
	}
	metrics.MarkerRequestsTotal.Inc()

	key := filters.Key()
	if resp, ok := f.cached(ctx, key); ok {
		return resp, nil
	}
	metrics.MarkerCacheMissesTotal.Inc()

	fl := f.join(key)
	defer f.leave(key, fl)

	ch := f.group.DoChan(fl.id, func() (any, error) {
		return f.load(fl.ctx, key, filters)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	}
}

// flight is the shared upstream request for one key. Its context outlives
// any single caller and is cancelled when the last waiting caller leaves.
type flight struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (f *Fetcher) join(key string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := f.flights[key]
	if fl == nil {
		f.nextGen++
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.FlightTimeout)
		// A new generation gets its own singleflight slot, so nobody joins a
		// request that is already being cancelled.
		fl = &flight{id: key + "#" + strconv.FormatUint(f.nextGen, 10), ctx: ctx, cancel: cancel}
		f.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (f *Fetcher) leave(key string, fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
}

func (f *Fetcher) fresh(e entry) bool {
	return f.now().Sub(e.FetchedAt) < f.opts.FreshFor
}

func (f *Fetcher) cached(ctx context.Context, key string) (*Response, bool) {
	if e, ok := f.local.get(key); ok && f.fresh(e) {
		metrics.MarkerCacheHitsTotal.WithLabelValues("local").Inc()
		return e.Response, true
	}
	if f.remote == nil {
		return nil, false
	}
	b, ok, err := f.remote.Get(ctx, key)
	if err != nil {
		f.log.Warn("marker_cache_remote_get", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e, err := decodeEntry(b)
	if err != nil {
		f.log.Warn("marker_cache_remote_decode", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !f.fresh(e) {
		return nil, false
	}
	f.local.add(key, e)
	metrics.MarkerCacheHitsTotal.WithLabelValues("remote").Inc()
	return e.Response, true
}

// load runs inside the flight for key, so at most one upstream request per
// key is in progress.
func (f *Fetcher) load(ctx context.Context, key string, filters FilterState) (*Response, error) {
	// A caller that lost the race with the previous flight finds its result here.
	if e, ok := f.local.get(key); ok && f.fresh(e) {
		return e.Response, nil
	}

	resp, err := f.fetchWithRetry(ctx, filters)
	if err != nil {
		return nil, err
	}
	e := entry{FetchedAt: f.now(), Response: resp}
	f.local.add(key, e)
	if f.remote != nil {
		if b, err := encodeEntry(e); err == nil {
			if err := f.remote.Set(ctx, key, b, f.opts.FreshFor); err != nil {
				f.log.Warn("marker_cache_remote_set", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return resp, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, filters FilterState) (*Response, error) {
	backoff := f.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		resp, err := f.src.Markers(ctx, filters)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		f.log.Debug("marker_fetch_retry", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
