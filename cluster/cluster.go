package cluster

import (
	"errors"
	"math"
	"sort"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
)

// ErrNotFound is returned for cluster ids that do not exist in the index.
var ErrNotFound = errors.New("cluster not found")

const unvisited = math.MaxInt32

// Options control how aggressively points are merged.
type Options struct {
	MinZoom   int     `yaml:"min_zoom" json:"min_zoom"`
	MaxZoom   int     `yaml:"max_zoom" json:"max_zoom"`     // no clustering above this zoom
	MinPoints int     `yaml:"min_points" json:"min_points"` // smallest group that forms a cluster
	Radius    float64 `yaml:"radius" json:"radius"`         // merge radius in pixels
	Extent    int     `yaml:"extent" json:"extent"`         // tile extent the radius is relative to
	NodeSize  int     `yaml:"node_size" json:"node_size"`
}

// DefaultOptions matches the dashboard map: 60px radius, pairs cluster,
// and every company is shown individually from zoom 17.
func DefaultOptions() Options {
	return Options{
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
		Radius:    60,
		Extent:    512,
		NodeSize:  64,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	// Cluster ids encode zoom+1 in 5 bits.
	if o.MaxZoom > 30 {
		o.MaxZoom = 30
	}
	if o.MinZoom > o.MaxZoom {
		o.MinZoom = o.MaxZoom
	}
	if o.MinPoints <= 0 {
		o.MinPoints = d.MinPoints
	}
	if o.Radius <= 0 {
		o.Radius = d.Radius
	}
	if o.Extent <= 0 {
		o.Extent = d.Extent
	}
	if o.NodeSize <= 0 {
		o.NodeSize = d.NodeSize
	}
	return o
}

// item is a point or cluster at one zoom level, in projected [0,1] space.
type item struct {
	X, Y      float64
	Zoom      int // last zoom this item was processed at
	Index     int // point index for leaves, cluster id for clusters
	ParentID  int
	NumPoints int
	IsCluster bool
	Rollup    Rollup
}

// Rollup aggregates company attributes over a cluster's members.
type Rollup struct {
	Employees     float64 `json:"employees"`
	WithEmployees int     `json:"with_employees"`
	// Category is kept only while every member shares it.
	Category string `json:"category,omitempty"`
	mixed    bool
}

func pointRollup(p geo.GeoPoint) Rollup {
	r := Rollup{}
	if p.EmployeeCount != nil {
		r.Employees = float64(*p.EmployeeCount)
		if *p.EmployeeCount > 0 {
			r.WithEmployees = 1
		}
	}
	if p.CategoryCode != nil {
		r.Category = *p.CategoryCode
	} else {
		r.mixed = true
	}
	return r
}

func (r *Rollup) merge(o Rollup) {
	r.Employees += o.Employees
	r.WithEmployees += o.WithEmployees
	if r.mixed || o.mixed || r.Category != o.Category {
		r.mixed = true
		r.Category = ""
	}
}

type level struct {
	items []item
	tree  *KDTree
}

func newLevel(items []item, nodeSize int) *level {
	pts := make([]KDPoint, len(items))
	for i, it := range items {
		pts[i] = KDPoint{X: it.X, Y: it.Y, Idx: int32(i)}
	}
	return &level{items: items, tree: NewKDTree(pts, nodeSize)}
}

// Node is one thing to draw: a cluster bubble or a single company.
type Node struct {
	IsCluster     bool          `json:"cluster"`
	ID            int           `json:"id"`
	Lat           float64       `json:"lat"`
	Lng           float64       `json:"lng"`
	PointCount    int           `json:"point_count"`
	ExpansionZoom int           `json:"expansion_zoom,omitempty"`
	Point         *geo.GeoPoint `json:"point,omitempty"`
	Rollup        Rollup        `json:"rollup"`
}

// Supercluster is a hierarchical greedy clustering index with one KD-tree
// per zoom level. It is immutable after Load and safe for concurrent reads.
type Supercluster struct {
	Points  []geo.GeoPoint
	Options Options
	levels  []*level
}

// NewSupercluster creates an empty index; missing options get defaults.
func NewSupercluster(options Options) *Supercluster {
	return &Supercluster{Options: options.normalized()}
}

// Load builds the index. Points are ordered by ID first so the same input
// set always yields the same clusters.
func (sc *Supercluster) Load(points []geo.GeoPoint) {
	pts := make([]geo.GeoPoint, len(points))
	copy(pts, points)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].ID < pts[j].ID })
	sc.Points = pts

	items := make([]item, len(pts))
	for i, p := range pts {
		items[i] = item{
			X:         lngX(p.Lng),
			Y:         latY(p.Lat),
			Zoom:      unvisited,
			Index:     i,
			ParentID:  -1,
			NumPoints: 1,
			Rollup:    pointRollup(p),
		}
	}

	o := sc.Options
	sc.levels = make([]*level, o.MaxZoom+2)
	sc.levels[o.MaxZoom+1] = newLevel(items, o.NodeSize)
	for z := o.MaxZoom; z >= o.MinZoom; z-- {
		sc.levels[z] = newLevel(sc.clusterLevel(sc.levels[z+1], z), o.NodeSize)
	}
}

// Len returns the number of indexed points.
func (sc *Supercluster) Len() int { return len(sc.Points) }

func (sc *Supercluster) radiusAt(zoom int) float64 {
	return sc.Options.Radius / (float64(sc.Options.Extent) * math.Pow(2, float64(zoom)))
}

// clusterLevel merges the items of the zoom+1 level into the items of zoom.
// Items of prev are marked (Zoom, ParentID) in place so Children can walk
// back down.
func (sc *Supercluster) clusterLevel(prev *level, zoom int) []item {
	r := sc.radiusAt(zoom)
	items := prev.items
	next := make([]item, 0, len(items))

	for i := range items {
		p := &items[i]
		if p.Zoom <= zoom {
			continue
		}
		p.Zoom = zoom

		neighbors := prev.tree.Within(p.X, p.Y, r)
		numPointsOrigin := p.NumPoints
		numPoints := numPointsOrigin
		for _, n := range neighbors {
			if b := items[n]; b.Zoom > zoom {
				numPoints += b.NumPoints
			}
		}

		if numPoints > numPointsOrigin && numPoints >= sc.Options.MinPoints {
			id := (i << 5) + (zoom + 1) + len(sc.Points)
			wx := p.X * float64(numPointsOrigin)
			wy := p.Y * float64(numPointsOrigin)
			rollup := p.Rollup

			for _, n := range neighbors {
				b := &items[n]
				if b.Zoom <= zoom {
					continue
				}
				b.Zoom = zoom
				w := float64(b.NumPoints)
				wx += b.X * w
				wy += b.Y * w
				b.ParentID = id
				rollup.merge(b.Rollup)
			}
			p.ParentID = id

			next = append(next, item{
				X:         wx / float64(numPoints),
				Y:         wy / float64(numPoints),
				Zoom:      unvisited,
				Index:     id,
				ParentID:  -1,
				NumPoints: numPoints,
				IsCluster: true,
				Rollup:    rollup,
			})
			continue
		}

		next = append(next, *p)
		if numPoints > 1 {
			for _, n := range neighbors {
				b := &items[n]
				if b.Zoom <= zoom {
					continue
				}
				b.Zoom = zoom
				next = append(next, *b)
			}
		}
	}
	return next
}

func (sc *Supercluster) limitZoom(z int) int {
	if z < sc.Options.MinZoom {
		return sc.Options.MinZoom
	}
	if z > sc.Options.MaxZoom+1 {
		return sc.Options.MaxZoom + 1
	}
	return z
}

// GetClusters returns the clusters and single points visible in bounds at
// the given zoom. Above MaxZoom every point is returned as a leaf.
func (sc *Supercluster) GetClusters(bounds geo.BoundingBox, zoom int) []Node {
	if len(sc.levels) == 0 {
		return nil
	}

	minLng := math.Mod(math.Mod(bounds.West+180, 360)+360, 360) - 180
	maxLng := 180.0
	if bounds.East != 180 {
		maxLng = math.Mod(math.Mod(bounds.East+180, 360)+360, 360) - 180
	}
	minLat := math.Max(-90, math.Min(90, bounds.South))
	maxLat := math.Max(-90, math.Min(90, bounds.North))

	if bounds.East-bounds.West >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		east := sc.GetClusters(geo.BoundingBox{West: minLng, South: minLat, East: 180, North: maxLat}, zoom)
		west := sc.GetClusters(geo.BoundingBox{West: -180, South: minLat, East: maxLng, North: maxLat}, zoom)
		return append(east, west...)
	}

	z := sc.limitZoom(zoom)
	lvl := sc.levels[z]
	ids := lvl.tree.Range(lngX(minLng), latY(maxLat), lngX(maxLng), latY(minLat))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, sc.node(lvl.items[id]))
	}
	return nodes
}

func (sc *Supercluster) node(it item) Node {
	if !it.IsCluster {
		p := sc.Points[it.Index]
		return Node{
			ID:         it.Index,
			Lat:        p.Lat,
			Lng:        p.Lng,
			PointCount: 1,
			Point:      &p,
			Rollup:     it.Rollup,
		}
	}
	n := Node{
		IsCluster:  true,
		ID:         it.Index,
		Lat:        yLat(it.Y),
		Lng:        xLng(it.X),
		PointCount: it.NumPoints,
		Rollup:     it.Rollup,
	}
	if ez, err := sc.ExpansionZoom(it.Index); err == nil {
		n.ExpansionZoom = ez
	}
	return n
}

func (sc *Supercluster) originOf(clusterID int) (index, zoom int) {
	rel := clusterID - len(sc.Points)
	return rel >> 5, rel % 32
}

func (sc *Supercluster) children(clusterID int) ([]item, error) {
	originID, originZoom := sc.originOf(clusterID)
	if clusterID < len(sc.Points) || originZoom <= 0 || originZoom >= len(sc.levels) || sc.levels[originZoom] == nil {
		return nil, ErrNotFound
	}
	lvl := sc.levels[originZoom]
	if originID < 0 || originID >= len(lvl.items) {
		return nil, ErrNotFound
	}

	origin := lvl.items[originID]
	r := sc.radiusAt(originZoom - 1)
	ids := lvl.tree.Within(origin.X, origin.Y, r)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []item
	for _, id := range ids {
		if it := lvl.items[id]; it.ParentID == clusterID {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Cluster returns a cluster as it appears at the zoom where it was formed.
func (sc *Supercluster) Cluster(clusterID int) (Node, error) {
	_, originZoom := sc.originOf(clusterID)
	z := originZoom - 1
	if clusterID < len(sc.Points) || z < 0 || z >= len(sc.levels) || sc.levels[z] == nil {
		return Node{}, ErrNotFound
	}
	for _, it := range sc.levels[z].items {
		if it.IsCluster && it.Index == clusterID {
			return sc.node(it), nil
		}
	}
	return Node{}, ErrNotFound
}

// Children returns the nodes a cluster splits into one zoom level deeper.
func (sc *Supercluster) Children(clusterID int) ([]Node, error) {
	items, err := sc.children(clusterID)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, len(items))
	for i, it := range items {
		nodes[i] = sc.node(it)
	}
	return nodes, nil
}

// ExpansionZoom is the lowest zoom at which the cluster splits into more
// than one node.
func (sc *Supercluster) ExpansionZoom(clusterID int) (int, error) {
	_, originZoom := sc.originOf(clusterID)
	expansionZoom := originZoom - 1
	for expansionZoom <= sc.Options.MaxZoom {
		children, err := sc.children(clusterID)
		if err != nil {
			return 0, err
		}
		expansionZoom++
		if len(children) != 1 {
			break
		}
		clusterID = children[0].Index
	}
	return expansionZoom, nil
}

// Leaves returns the points of a cluster, paginated.
func (sc *Supercluster) Leaves(clusterID, limit, offset int) ([]geo.GeoPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []geo.GeoPoint
	skipped := 0
	var walk func(id int) error
	walk = func(id int) error {
		children, err := sc.children(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if len(out) >= limit {
				return nil
			}
			if c.IsCluster {
				if skipped+c.NumPoints <= offset {
					skipped += c.NumPoints
					continue
				}
				if err := walk(c.Index); err != nil {
					return err
				}
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, sc.Points[c.Index])
		}
		return nil
	}
	if err := walk(clusterID); err != nil {
		return nil, err
	}
	return out, nil
}

// Compute indexes points and returns the nodes for one viewport. Use a
// Supercluster directly when the same points are queried repeatedly.
func Compute(points []geo.GeoPoint, bounds geo.BoundingBox, zoom int, options Options) []Node {
	sc := NewSupercluster(options)
	sc.Load(points)
	return sc.GetClusters(bounds, zoom)
}

// lngX projects longitude to [0,1] web mercator x.
func lngX(lng float64) float64 {
	return lng/360 + 0.5
}

// latY projects latitude to [0,1] web mercator y, clamped at the poles.
func latY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}
