package viewport

import (
	"math"
	"sync"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
)

const maxZoom = 22

// Camera is a headless map: it holds a viewport and fires the same events a
// browser map would when the view changes.
type Camera struct {
	mu        sync.Mutex
	vp        geo.Viewport
	hasView   bool
	nextID    int
	listeners map[Event]map[int]func()
}

func NewCamera() *Camera {
	return &Camera{listeners: map[Event]map[int]func(){}}
}

// HasView reports whether a viewport has been set.
func (c *Camera) HasView() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasView
}

func (c *Camera) Viewport() geo.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vp
}

func (c *Camera) On(ev Event, fn func()) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[ev] == nil {
		c.listeners[ev] = map[int]func(){}
	}
	id := c.nextID
	c.nextID++
	c.listeners[ev][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[ev], id)
	}
}

// Listeners counts attached listeners.
func (c *Camera) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.listeners {
		n += len(m)
	}
	return n
}

// SetView replaces the viewport. It fires move-end, then zoom-end when the
// zoom changed.
func (c *Camera) SetView(vp geo.Viewport) {
	c.mu.Lock()
	zoomed := !c.hasView || c.vp.Zoom != vp.Zoom
	c.vp = vp
	c.hasView = true
	fire := c.snapshot(EventMoveEnd)
	if zoomed {
		fire = append(fire, c.snapshot(EventZoomEnd)...)
	}
	c.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// FlyTo centres the view on lat/lng at zoom. The visible span scales by
// 2^(old-new) so the screen size stays the same.
func (c *Camera) FlyTo(lat, lng float64, zoom int) {
	if zoom < 0 {
		zoom = 0
	}
	if zoom > maxZoom {
		zoom = maxZoom
	}
	cur := c.Viewport()
	b := cur.Bounds
	width, height := b.East-b.West, b.North-b.South
	if b.CrossesAntimeridian() {
		width += 360
	}
	if !c.HasView() || width <= 0 || height <= 0 {
		width, height = 360, 170
		cur.Zoom = 0
	}
	scale := math.Pow(2, float64(cur.Zoom-zoom))
	width, height = math.Min(width*scale, 360), math.Min(height*scale, 180)

	next := geo.BoundingBox{
		West:  wrapLng(lng - width/2),
		East:  wrapLng(lng + width/2),
		South: math.Max(lat-height/2, geo.World.South),
		North: math.Min(lat+height/2, geo.World.North),
	}
	if width >= 360 {
		next.West, next.East = -180, 180
	}
	c.SetView(geo.Viewport{Bounds: next, Zoom: zoom})
}

func (c *Camera) snapshot(ev Event) []func() {
	fns := make([]func(), 0, len(c.listeners[ev]))
	for _, fn := range c.listeners[ev] {
		fns = append(fns, fn)
	}
	return fns
}

// wrapLng maps lng into [-180, 180].
func wrapLng(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}
