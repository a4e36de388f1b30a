package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/choropleth"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/mapview"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/markers"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/region"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/runner"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "indexes": s.pool.Len()})
}

// viewportFromQuery reads bbox=w,s,e,n or west/south/east/north, plus zoom.
func viewportFromQuery(c *gin.Context) (geo.Viewport, error) {
	zoom, err := strconv.Atoi(c.Query("zoom"))
	if err != nil {
		return geo.Viewport{}, fmt.Errorf("invalid zoom parameter")
	}

	if bbox := c.Query("bbox"); bbox != "" {
		b, err := geo.ParseBBox(bbox)
		if err != nil {
			return geo.Viewport{}, err
		}
		return geo.Viewport{Bounds: b, Zoom: zoom}, nil
	}

	var edges [4]float64
	for i, name := range []string{"west", "south", "east", "north"} {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			return geo.Viewport{}, fmt.Errorf("invalid %s parameter", name)
		}
		edges[i] = v
	}
	b := geo.BoundingBox{West: edges[0], South: edges[1], East: edges[2], North: edges[3]}
	if !b.Valid() {
		return geo.Viewport{}, fmt.Errorf("invalid bounds %s", b)
	}
	return geo.Viewport{Bounds: b, Zoom: zoom}, nil
}

type markerLoad struct {
	filters markers.FilterState
	vp      geo.Viewport
	enabled bool
	resp    *markers.Response
	index   *cluster.Supercluster
}

// loadMarkers fetches and indexes the markers of a request. Fetch failures
// leave an empty marker set.
func (s *Server) loadMarkers(c *gin.Context) (*markerLoad, bool) {
	vp, err := viewportFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	filters, err := markers.ParseFilters(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	l := &markerLoad{filters: filters, vp: vp, enabled: s.fetcher.Enabled(filters, &vp)}
	if !l.enabled {
		return l, true
	}
	resp, err := s.fetcher.Fetch(c.Request.Context(), filters, &vp)
	if err != nil {
		s.log.Debug("markers_unavailable", zap.String("key", filters.Key()), zap.Error(err))
		resp = &markers.Response{}
	}
	l.resp = resp
	l.index = s.pool.Index(filters.Key(), resp.Markers)
	return l, true
}

func (s *Server) handleMarkers(c *gin.Context) {
	l, ok := s.loadMarkers(c)
	if !ok {
		return
	}
	view := mapview.View{Zoom: l.vp.Zoom}
	if l.enabled {
		view = mapview.Render(l.index, l.resp, l.vp)
	}
	if view.Markers == nil {
		view.Markers = []mapview.Marker{}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleSummary(c *gin.Context) {
	l, ok := s.loadMarkers(c)
	if !ok {
		return
	}
	var nodes []cluster.Node
	if l.enabled {
		nodes = l.index.GetClusters(l.vp.Bounds, l.vp.Zoom)
	}
	c.JSON(http.StatusOK, cluster.Summarize(nodes))
}

func (s *Server) handleExpansion(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cluster id"})
		return
	}
	l, ok := s.loadMarkers(c)
	if !ok {
		return
	}
	if !l.enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "no markers for these filters"})
		return
	}
	move, err := mapview.ClusterClick(l.index, id, s.opts.MaxExpansionZoom)
	if errors.Is(err, cluster.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cluster not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, move)
}

// regionState is a full render of a region layer.
type regionState struct {
	Level    geo.Level               `json:"level"`
	Metric   string                  `json:"metric"`
	Max      float64                 `json:"max"`
	Styles   map[string]region.Style `json:"styles"`
	Legend   []choropleth.Swatch     `json:"legend"`
	Stats    []geostats.RegionStat   `json:"stats,omitempty"`
	Averages *geostats.Averages      `json:"averages,omitempty"`
	Selected *region.Selection       `json:"selected"`
	Hovered  string                  `json:"hovered,omitempty"`
	Tooltip  *region.Tooltip         `json:"tooltip,omitempty"`
}

func renderRegions(layer *region.Layer, metric string) regionState {
	max := layer.Max()
	st := regionState{
		Level:    layer.Level(),
		Metric:   metric,
		Max:      max,
		Styles:   layer.Styles(),
		Legend:   choropleth.Legend(max),
		Selected: layer.Selected(),
		Hovered:  layer.Hovered(),
	}
	if st.Hovered != "" {
		tip := layer.Tooltip(st.Hovered)
		st.Tooltip = &tip
	}
	return st
}

func regionQuery(c *gin.Context) (geostats.Query, error) {
	level, err := geo.ParseLevel(c.Query("level"))
	if err != nil {
		return geostats.Query{}, err
	}
	return geostats.Query{
		Level:      level,
		Metric:     c.DefaultQuery("metric", geostats.MetricCompanyCount),
		Nace:       c.Query("nace"),
		CountyCode: c.Query("county_code"),
	}, nil
}

func (s *Server) handleRegions(c *gin.Context) {
	q, err := regionQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b := s.boundaries[q.Level]
	if b == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "region boundaries unavailable", "retry": true})
		return
	}

	stats, err := s.stats.Stats(c.Request.Context(), q)
	if err != nil {
		s.log.Error("region_stats_failed", zap.String("level", string(q.Level)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not load region statistics", "retry": true})
		return
	}
	avg, err := s.stats.Averages(c.Request.Context(), q)
	if err != nil {
		s.log.Error("region_averages_failed", zap.String("level", string(q.Level)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not load region averages", "retry": true})
		return
	}

	layer := region.NewLayer(b, q.Level)
	layer.SetStats(stats)
	if code := c.Query("selected"); code != "" {
		if _, err := layer.Click(code); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	st := renderRegions(layer, q.Metric)
	st.Stats = stats
	st.Averages = avg
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleLegend(c *gin.Context) {
	max, err := strconv.ParseFloat(c.DefaultQuery("max", "0"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max parameter"})
		return
	}
	c.JSON(http.StatusOK, choropleth.Legend(max))
}

func (s *Server) handleSnapshots(c *gin.Context) {
	infos, err := s.pool.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if infos == nil {
		infos = []runner.Info{}
	}
	c.JSON(http.StatusOK, infos)
}
