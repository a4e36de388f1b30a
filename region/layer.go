package region

import (
	"fmt"
	"sync"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/choropleth"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/dustin/go-humanize"
)

const (
	borderColor   = "#ffffff"
	hoverColor    = "#1f2937"
	selectedColor = "#1d4ed8"
	fillOpacity   = 0.7
)

// Style is how one region polygon is drawn.
type Style struct {
	Fill        string  `json:"fill"`
	FillOpacity float64 `json:"fill_opacity"`
	Stroke      string  `json:"stroke"`
	Weight      float64 `json:"weight"`
	Front       bool    `json:"front"`
}

type Tooltip struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Text  string  `json:"text"`
}

// Click is emitted when a region becomes selected.
type Click struct {
	Name  string    `json:"name"`
	Code  string    `json:"code"`
	Level geo.Level `json:"level"`
}

// Selection describes the selected region.
type Selection struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Population *int    `json:"population"`
}

// Layer is the interaction state of a region layer. Hover and selection are
// independent; at most one region is selected.
type Layer struct {
	mu       sync.Mutex
	bounds   *Boundaries
	level    geo.Level
	stats    map[string]geostats.RegionStat
	max      float64
	hovered  string
	selected string

	nextID    int
	listeners map[int]func(Click)
}

// NewLayer draws bounds. A nil bounds accepts any region code.
func NewLayer(bounds *Boundaries, level geo.Level) *Layer {
	if bounds != nil {
		level = bounds.Level
	}
	return &Layer{
		bounds:    bounds,
		level:     level,
		stats:     map[string]geostats.RegionStat{},
		listeners: map[int]func(Click){},
	}
}

func (l *Layer) Level() geo.Level { return l.level }

// SetStats replaces the statistic set. A selected region missing from the
// new set is deselected.
func (l *Layer) SetStats(stats []geostats.RegionStat) {
	next := make(map[string]geostats.RegionStat, len(stats))
	for _, s := range stats {
		next[s.Code] = s
	}
	max := geostats.Max(stats)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = next
	l.max = max
	if _, ok := next[l.selected]; !ok {
		l.selected = ""
	}
}

// Max is the top of the current colour scale.
func (l *Layer) Max() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

func (l *Layer) known(code string) bool {
	if l.bounds == nil {
		return code != ""
	}
	_, ok := l.bounds.Get(code)
	return ok
}

func (l *Layer) PointerEnter(code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known(code) {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, code)
	}
	l.hovered = code
	return nil
}

// PointerLeave clears the hover if code is the hovered region.
func (l *Layer) PointerLeave(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hovered == code {
		l.hovered = ""
	}
}

// Click selects code, replacing any previous selection, and notifies the
// OnClick listeners.
func (l *Layer) Click(code string) (Click, error) {
	l.mu.Lock()
	if !l.known(code) {
		l.mu.Unlock()
		return Click{}, fmt.Errorf("%w: %s", ErrUnknownRegion, code)
	}
	l.selected = code
	ev := Click{Name: l.nameLocked(code), Code: code, Level: l.level}
	listeners := make([]func(Click), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev, nil
}

func (l *Layer) Deselect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selected = ""
}

// OnClick registers fn for region clicks. The returned func removes it.
func (l *Layer) OnClick(fn func(Click)) (off func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	}
}

func (l *Layer) Hovered() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hovered
}

// Selected returns the selected region, or nil.
func (l *Layer) Selected() *Selection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected == "" {
		return nil
	}
	s := l.stats[l.selected]
	return &Selection{
		Code:       l.selected,
		Name:       l.nameLocked(l.selected),
		Value:      s.Value,
		Population: s.Population,
	}
}

// Style returns the current style of code. Regions without a statistic are
// drawn with the no-data colour.
func (l *Layer) Style(code string) Style {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.styleLocked(code)
}

// Styles returns the style of every known region.
func (l *Layer) Styles() map[string]Style {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Style)
	if l.bounds != nil {
		for _, r := range l.bounds.Regions {
			out[r.Code] = l.styleLocked(r.Code)
		}
		return out
	}
	for code := range l.stats {
		out[code] = l.styleLocked(code)
	}
	return out
}

func (l *Layer) styleLocked(code string) Style {
	st := Style{
		Fill:        choropleth.Hex(l.stats[code].Value, l.max),
		FillOpacity: fillOpacity,
		Stroke:      borderColor,
		Weight:      1,
	}
	if code == l.selected {
		st.FillOpacity = 0
		st.Stroke = selectedColor
		st.Weight = 3
	}
	if code == l.hovered {
		st.Stroke = hoverColor
		st.Weight = 3
		st.Front = true
	}
	return st
}

// Tooltip is shown while code is hovered.
func (l *Layer) Tooltip(code string) Tooltip {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := l.nameLocked(code)
	v := l.stats[code].Value
	return Tooltip{Name: name, Value: v, Text: fmt.Sprintf("%s: %s", name, formatValue(v))}
}

// RegionAt returns the code of the region containing the point.
func (l *Layer) RegionAt(lat, lng float64) (string, bool) {
	if l.bounds == nil {
		return "", false
	}
	r, ok := l.bounds.At(lat, lng)
	return r.Code, ok
}

func (l *Layer) nameLocked(code string) string {
	if s, ok := l.stats[code]; ok && s.Name != "" {
		return s.Name
	}
	if l.bounds != nil {
		if r, ok := l.bounds.Get(code); ok && r.Name != "" {
			return r.Name
		}
	}
	return code
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return humanize.Comma(int64(v))
	}
	return humanize.CommafWithDigits(v, 2)
}
