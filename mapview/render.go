// Package mapview turns cluster output into drawable markers and runs the
// viewport → fetch → cluster loop of one map.
package mapview

import (
	"fmt"
	"strconv"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/markers"
)

// DefaultMaxExpansionZoom caps how far a cluster click zooms in.
const DefaultMaxExpansionZoom = 18

type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// TierFor picks the bubble tier for a cluster of count points.
func TierFor(count int) Tier {
	switch {
	case count < 10:
		return TierSmall
	case count < 50:
		return TierMedium
	default:
		return TierLarge
	}
}

var tierStyle = map[Tier]struct {
	size  int
	color string
}{
	TierSmall:  {30, "#60a5fa"},
	TierMedium: {40, "#2563eb"},
	TierLarge:  {50, "#1e3a8a"},
}

const (
	pinWithEmployees    = "#16a34a"
	pinWithoutEmployees = "#9ca3af"
)

type Kind string

const (
	KindCluster Kind = "cluster"
	KindPin     Kind = "pin"
)

// Marker is one bubble or pin on the map.
type Marker struct {
	Kind      Kind    `json:"kind"`
	Key       string  `json:"key"`
	ClusterID int     `json:"cluster_id,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Count     int     `json:"count"`
	Tier      Tier    `json:"tier,omitempty"`
	Size      int     `json:"size"`
	Color     string  `json:"color"`
	Label     string  `json:"label"`

	OrgNr        string  `json:"org_nr,omitempty"`
	HasEmployees bool    `json:"has_employees"`
	Employees    float64 `json:"employees,omitempty"`
}

// RenderMarkers maps nodes to markers in the same order.
func RenderMarkers(nodes []cluster.Node) []Marker {
	out := make([]Marker, 0, len(nodes))
	for _, n := range nodes {
		if n.IsCluster {
			tier := TierFor(n.PointCount)
			st := tierStyle[tier]
			out = append(out, Marker{
				Kind:         KindCluster,
				Key:          "c" + strconv.Itoa(n.ID),
				ClusterID:    n.ID,
				Lat:          n.Lat,
				Lng:          n.Lng,
				Count:        n.PointCount,
				Tier:         tier,
				Size:         st.size,
				Color:        st.color,
				Label:        strconv.Itoa(n.PointCount),
				HasEmployees: n.Rollup.WithEmployees > 0,
				Employees:    n.Rollup.Employees,
			})
			continue
		}
		if n.Point == nil {
			continue
		}
		p := *n.Point
		m := Marker{
			Kind:         KindPin,
			Key:          "p" + p.ID,
			Lat:          p.Lat,
			Lng:          p.Lng,
			Count:        1,
			Size:         12,
			Color:        pinWithoutEmployees,
			Label:        p.Label,
			OrgNr:        p.ID,
			HasEmployees: p.HasEmployees(),
		}
		if m.HasEmployees {
			m.Color = pinWithEmployees
			m.Employees = float64(*p.EmployeeCount)
		}
		out = append(out, m)
	}
	return out
}

// CameraMove tells the map where to animate to.
type CameraMove struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
}

// ClusterClick centres on the cluster at its expansion zoom, capped at
// maxZoom. A non-positive maxZoom uses DefaultMaxExpansionZoom.
func ClusterClick(sc *cluster.Supercluster, clusterID, maxZoom int) (CameraMove, error) {
	if maxZoom <= 0 {
		maxZoom = DefaultMaxExpansionZoom
	}
	node, err := sc.Cluster(clusterID)
	if err != nil {
		return CameraMove{}, err
	}
	zoom, err := sc.ExpansionZoom(clusterID)
	if err != nil {
		return CameraMove{}, err
	}
	return CameraMove{Lat: node.Lat, Lng: node.Lng, Zoom: min(zoom, maxZoom)}, nil
}

// Popup is shown when a pin is clicked.
type Popup struct {
	OrgNr        string `json:"org_nr"`
	Label        string `json:"label"`
	Employees    *int   `json:"employees,omitempty"`
	CategoryCode string `json:"category_code,omitempty"`
	DetailPath   string `json:"detail_path"`
}

func PinClick(p geo.GeoPoint) Popup {
	popup := Popup{
		OrgNr:      p.ID,
		Label:      p.Label,
		Employees:  p.EmployeeCount,
		DetailPath: "/bedrift/" + p.ID,
	}
	if p.CategoryCode != nil {
		popup.CategoryCode = *p.CategoryCode
	}
	return popup
}

// TruncationNotice is the "zoom in for more" text for a capped response,
// or "" when nothing was left out.
func TruncationNotice(resp *markers.Response) string {
	if resp == nil || !resp.Truncated {
		return ""
	}
	return fmt.Sprintf("Viser %d av %d bedrifter. Zoom inn for å se flere.", len(resp.Markers), resp.Total)
}

// Render clusters the loaded markers for one viewport.
func Render(sc *cluster.Supercluster, resp *markers.Response, vp geo.Viewport) View {
	nodes := sc.GetClusters(vp.Bounds, vp.Zoom)
	return View{
		Enabled:   true,
		Zoom:      vp.Zoom,
		Markers:   RenderMarkers(nodes),
		Nodes:     nodes,
		Loaded:    len(resp.Markers),
		Total:     resp.Total,
		Truncated: resp.Truncated,
		Notice:    TruncationNotice(resp),
	}
}
