package mapview

import (
	"context"
	"errors"
	"sync"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/logger"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/markers"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/runner"
	"go.uber.org/zap"
)

var (
	ErrNoIndex  = errors.New("no markers loaded")
	ErrNotFound = errors.New("company not in view")
)

// Fetcher is the marker source of a Controller.
type Fetcher interface {
	Enabled(filters markers.FilterState, vp *geo.Viewport) bool
	Fetch(ctx context.Context, filters markers.FilterState, vp *geo.Viewport) (*markers.Response, error)
}

// View is what the marker layer shows after one load.
type View struct {
	Seq       uint64         `json:"seq"`
	Enabled   bool           `json:"enabled"`
	Zoom      int            `json:"zoom"`
	Markers   []Marker       `json:"markers"`
	Nodes     []cluster.Node `json:"-"`
	Loaded    int            `json:"loaded"`
	Total     int            `json:"total"`
	Truncated bool           `json:"truncated"`
	Notice    string         `json:"notice,omitempty"`
}

type ControllerOptions struct {
	Cluster          cluster.Options
	MaxExpansionZoom int
}

// Controller owns the marker state of one map. Every filter or viewport
// change issues a load tagged with a new sequence number; only the load
// carrying the latest number is applied.
type Controller struct {
	fetcher Fetcher
	pool    *runner.Pool
	opts    ControllerOptions
	log     *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// emitMu orders applying a view with notifying subscribers.
	emitMu sync.Mutex

	mu       sync.Mutex
	filters  markers.FilterState
	viewport *geo.Viewport
	seq      uint64
	current  View
	index    *cluster.Supercluster
	nextSub  int
	subs     map[int]func(View)
	closed   bool
}

// NewController wires a fetcher and an index pool. pool may be nil, in which
// case every load builds a fresh index.
func NewController(fetcher Fetcher, pool *runner.Pool, opts ControllerOptions, log *zap.Logger) *Controller {
	log = logger.OrNop(log)
	if opts.MaxExpansionZoom <= 0 {
		opts.MaxExpansionZoom = DefaultMaxExpansionZoom
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		fetcher: fetcher,
		pool:    pool,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		stop:    stop,
		subs:    map[int]func(View){},
	}
}

// Subscribe registers fn for every applied view. The returned func removes it.
func (c *Controller) Subscribe(fn func(View)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Controller) SetFilters(f markers.FilterState) {
	c.mu.Lock()
	c.filters = f
	c.mu.Unlock()
	c.reload()
}

func (c *Controller) SetViewport(vp geo.Viewport) {
	c.mu.Lock()
	c.viewport = &vp
	c.mu.Unlock()
	c.reload()
}

// View returns the last applied view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Filters() markers.FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

func (c *Controller) reload() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	filters := c.filters
	var vp *geo.Viewport
	if c.viewport != nil {
		v := *c.viewport
		vp = &v
	}
	enabled := c.fetcher.Enabled(filters, vp)
	if enabled {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if !enabled {
		// Markers outside the enabling condition would be stale; clear them.
		view := View{Seq: seq}
		if vp != nil {
			view.Zoom = vp.Zoom
		}
		c.emit(seq, view, nil)
		return
	}

	go func() {
		defer c.wg.Done()
		c.load(seq, filters, *vp)
	}()
}

func (c *Controller) load(seq uint64, filters markers.FilterState, vp geo.Viewport) {
	resp, err := c.fetcher.Fetch(c.ctx, filters, &vp)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Debug("markers_unavailable", zap.Uint64("seq", seq), zap.Error(err))
		resp = &markers.Response{}
	}
	if c.stale(seq) {
		metrics.StaleResponsesTotal.Inc()
		return
	}

	var sc *cluster.Supercluster
	if c.pool != nil {
		sc = c.pool.Index(filters.Key(), resp.Markers)
	} else {
		sc = cluster.NewSupercluster(c.opts.Cluster)
		sc.Load(resp.Markers)
	}
	view := Render(sc, resp, vp)
	view.Seq = seq
	c.emit(seq, view, sc)
}

func (c *Controller) stale(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq != c.seq || c.closed
}

// emit applies view if seq is still the latest and notifies subscribers.
func (c *Controller) emit(seq uint64, view View, sc *cluster.Supercluster) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if seq != c.seq || c.closed {
		c.mu.Unlock()
		metrics.StaleResponsesTotal.Inc()
		return
	}
	c.current = view
	c.index = sc
	subs := make([]func(View), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}

// ClusterClick returns the camera move for a cluster in the current view.
func (c *Controller) ClusterClick(clusterID int) (CameraMove, error) {
	c.mu.Lock()
	sc := c.index
	c.mu.Unlock()
	if sc == nil {
		return CameraMove{}, ErrNoIndex
	}
	return ClusterClick(sc, clusterID, c.opts.MaxExpansionZoom)
}

// PinClick returns the popup for a company in the current view.
func (c *Controller) PinClick(orgNr string) (Popup, error) {
	c.mu.Lock()
	sc := c.index
	c.mu.Unlock()
	if sc == nil {
		return Popup{}, ErrNoIndex
	}
	for _, p := range sc.Points {
		if p.ID == orgNr {
			return PinClick(p), nil
		}
	}
	return Popup{}, ErrNotFound
}

// Wait blocks until every issued load has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight loads and waits for them. Later changes are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}
