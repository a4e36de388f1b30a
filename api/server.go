// Package api serves the map engine over HTTP and a websocket map session.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/logger"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/mapview"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/region"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/runner"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StatsSource provides the regional statistics of the choropleth.
type StatsSource interface {
	Stats(ctx context.Context, q geostats.Query) ([]geostats.RegionStat, error)
	Averages(ctx context.Context, q geostats.Query) (*geostats.Averages, error)
}

type Options struct {
	AllowedOrigin    string
	MaxExpansionZoom int
	Cluster          cluster.Options
}

type Server struct {
	fetcher    mapview.Fetcher
	pool       *runner.Pool
	stats      StatsSource
	boundaries map[geo.Level]*region.Boundaries
	opts       Options
	log        *zap.Logger

	router   *gin.Engine
	upgrader websocket.Upgrader
	sessions sync.WaitGroup

	mu      sync.Mutex
	live    map[*session]struct{}
	closing bool
}

// NewServer builds the router. boundaries may lack a level; region
// requests for it then fail.
func NewServer(fetcher mapview.Fetcher, pool *runner.Pool, stats StatsSource, boundaries map[geo.Level]*region.Boundaries, opts Options, log *zap.Logger) *Server {
	log = logger.OrNop(log)
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.MaxExpansionZoom <= 0 {
		opts.MaxExpansionZoom = mapview.DefaultMaxExpansionZoom
	}
	s := &Server{
		fetcher:    fetcher,
		pool:       pool,
		stats:      stats,
		boundaries: boundaries,
		opts:       opts,
		log:        log,
		live:       make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if opts.AllowedOrigin != "*" {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == opts.AllowedOrigin
		}
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Wait blocks until every websocket session has been torn down.
func (s *Server) Wait() { s.sessions.Wait() }

// CloseSessions drops every open websocket connection and refuses new
// ones. Sessions tear themselves down as their reads fail; use Wait to
// block on that.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for ss := range s.live {
		ss.conn.Close()
	}
}

func (s *Server) routes() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.AccessMiddleware(s.log))
	r.Use(s.cors())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/markers", s.handleMarkers)
	api.GET("/markers/summary", s.handleSummary)
	api.GET("/clusters/:id/expansion", s.handleExpansion)
	api.GET("/regions", s.handleRegions)
	api.GET("/legend", s.handleLegend)
	api.GET("/snapshots", s.handleSnapshots)

	r.GET("/ws/map", s.handleMapSession)
	s.router = r
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
