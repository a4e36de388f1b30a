package cluster

import (
	"math"
	"sort"
)

// KDNode is one node of the static tree. Inner nodes split on the median
// point; leaf nodes hold a bucket of at most NodeSize points.
type KDNode struct {
	PointIdx int32 // median for inner nodes, bucket start for leaves
	End      int32 // bucket end (inclusive) for leaves, -1 for inner nodes
	Left     int32
	Right    int32
	Axis     uint8
}

// KDPoint is a projected coordinate plus the index of the item it belongs to.
type KDPoint struct {
	X, Y float64
	Idx  int32
}

// KDTree is a static 2D index built once per zoom level.
type KDTree struct {
	Nodes    []KDNode
	Points   []KDPoint
	NodeSize int
	Bounds   KDBounds
}

// KDBounds is an axis aligned box in projected space.
type KDBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extend expands bounds to include another point
func (b *KDBounds) Extend(x, y float64) {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
}

// NewKDTree indexes points. The input slice is copied, never reordered.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	if nodeSize <= 0 {
		nodeSize = 64
	}
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, 2*len(points)/nodeSize+1),
		Points:   make([]KDPoint, len(points)),
		NodeSize: nodeSize,
		Bounds: KDBounds{
			MinX: math.Inf(1),
			MinY: math.Inf(1),
			MaxX: math.Inf(-1),
			MaxY: math.Inf(-1),
		},
	}
	copy(tree.Points, points)

	for _, p := range points {
		tree.Bounds.Extend(p.X, p.Y)
	}

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}
	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{})

	if end-start+1 <= t.NodeSize {
		t.Nodes[nodeIdx] = KDNode{
			PointIdx: int32(start),
			End:      int32(end),
			Left:     -1,
			Right:    -1,
		}
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2
	sortPointsRange(t.Points[start:end+1], axis)

	// Recursion appends to t.Nodes, so never hold a pointer across it.
	left := t.buildNodes(start, median-1, depth+1)
	right := t.buildNodes(median+1, end, depth+1)
	t.Nodes[nodeIdx] = KDNode{
		PointIdx: int32(median),
		End:      -1,
		Left:     left,
		Right:    right,
		Axis:     uint8(axis),
	}
	return nodeIdx
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			if points[i].X != points[j].X {
				return points[i].X < points[j].X
			}
			return points[i].Idx < points[j].Idx
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			if points[i].Y != points[j].Y {
				return points[i].Y < points[j].Y
			}
			return points[i].Idx < points[j].Idx
		})
	}
}

// Range returns the item indexes of all points inside the box.
func (t *KDTree) Range(minX, minY, maxX, maxY float64) []int32 {
	var out []int32
	if len(t.Nodes) == 0 {
		return out
	}
	t.visit(0, func(p KDPoint) bool {
		return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
	}, func(axis uint8, p KDPoint) (bool, bool) {
		if axis == 0 {
			return minX <= p.X, maxX >= p.X
		}
		return minY <= p.Y, maxY >= p.Y
	}, &out)
	return out
}

// Within returns the item indexes of all points within radius r of (x, y).
func (t *KDTree) Within(x, y, r float64) []int32 {
	var out []int32
	if len(t.Nodes) == 0 {
		return out
	}
	r2 := r * r
	t.visit(0, func(p KDPoint) bool {
		dx, dy := p.X-x, p.Y-y
		return dx*dx+dy*dy <= r2
	}, func(axis uint8, p KDPoint) (bool, bool) {
		if axis == 0 {
			return x-r <= p.X, x+r >= p.X
		}
		return y-r <= p.Y, y+r >= p.Y
	}, &out)
	return out
}

func (t *KDTree) visit(nodeIdx int32, match func(KDPoint) bool, descend func(uint8, KDPoint) (bool, bool), out *[]int32) {
	if nodeIdx < 0 {
		return
	}
	node := t.Nodes[nodeIdx]

	if node.End >= 0 {
		for i := node.PointIdx; i <= node.End; i++ {
			if p := t.Points[i]; match(p) {
				*out = append(*out, p.Idx)
			}
		}
		return
	}

	p := t.Points[node.PointIdx]
	if match(p) {
		*out = append(*out, p.Idx)
	}
	goLeft, goRight := descend(node.Axis, p)
	if goLeft {
		t.visit(node.Left, match, descend, out)
	}
	if goRight {
		t.visit(node.Right, match, descend, out)
	}
}
