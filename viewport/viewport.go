// Package viewport observes a map's visible area and publishes it whenever
// the map settles after a pan or zoom.
package viewport

import (
	"sync"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
)

type Event int

const (
	EventMoveEnd Event = iota
	EventZoomEnd
)

func (e Event) String() string {
	switch e {
	case EventMoveEnd:
		return "moveend"
	case EventZoomEnd:
		return "zoomend"
	}
	return "unknown"
}

// Source is a map that reports its viewport and completion events.
type Source interface {
	Viewport() geo.Viewport
	On(ev Event, fn func()) (off func())
}

// Tracker forwards the viewport of a Source to a publish func on every
// move-end and zoom-end event.
type Tracker struct {
	mu   sync.Mutex
	offs []func()
}

func NewTracker() *Tracker { return &Tracker{} }

// Track starts observing src. Calling Track again adds another source.
func (t *Tracker) Track(src Source, publish func(geo.Viewport)) {
	emit := func() { publish(src.Viewport()) }
	offMove := src.On(EventMoveEnd, emit)
	offZoom := src.On(EventZoomEnd, emit)

	t.mu.Lock()
	t.offs = append(t.offs, offMove, offZoom)
	t.mu.Unlock()
}

// Stop detaches every listener. It is safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	offs := t.offs
	t.offs = nil
	t.mu.Unlock()

	for _, off := range offs {
		off()
	}
}
