package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/mapview"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/markers"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/region"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/viewport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	outboxSize  = 32
	maxReadSize = 64 << 10
)

// clientMessage is sent by the browser map.
type clientMessage struct {
	Type      string               `json:"type"`
	Viewport  *geo.Viewport        `json:"viewport,omitempty"`
	Filters   *markers.FilterState `json:"filters,omitempty"`
	ClusterID int                  `json:"cluster_id,omitempty"`
	OrgNr     string               `json:"org_nr,omitempty"`
	Code      string               `json:"code,omitempty"`
	Metric    string               `json:"metric,omitempty"`
	Nace      string               `json:"nace,omitempty"`
}

// serverMessage is pushed to the browser map.
type serverMessage struct {
	Type    string              `json:"type"`
	Markers *mapview.View       `json:"markers,omitempty"`
	Camera  *mapview.CameraMove `json:"camera,omitempty"`
	Popup   *mapview.Popup      `json:"popup,omitempty"`
	Region  *regionState        `json:"region,omitempty"`
	Click   *region.Click       `json:"click,omitempty"`
	Error   string              `json:"error,omitempty"`
	Retry   bool                `json:"retry,omitempty"`
}

// session is one connected map. It owns a camera, the tracker watching
// it, a marker controller and a region layer; all are torn down together.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	cam     *viewport.Camera
	tracker *viewport.Tracker
	ctrl    *mapview.Controller
	layer   *region.Layer

	mu     sync.Mutex
	metric string
	nace   string

	out  chan serverMessage
	done chan struct{}
}

func (s *Server) handleMapSession(c *gin.Context) {
	level, err := geo.ParseLevel(c.Query("level"))
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	sess := s.newSession(conn, level)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sess.cancel()
		sess.ctrl.Close()
		conn.Close()
		return
	}
	s.sessions.Add(1)
	s.live[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, sess)
		s.mu.Unlock()
		s.sessions.Done()
	}()
	sess.run()
}

func (s *Server) newSession(conn *websocket.Conn, level geo.Level) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	log := s.log.With(zap.String("session", id))
	return &session{
		id:      id,
		srv:     s,
		conn:    conn,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		cam:     viewport.NewCamera(),
		tracker: viewport.NewTracker(),
		ctrl: mapview.NewController(s.fetcher, s.pool, mapview.ControllerOptions{
			Cluster:          s.opts.Cluster,
			MaxExpansionZoom: s.opts.MaxExpansionZoom,
		}, log),
		layer:  region.NewLayer(s.boundaries[level], level),
		metric: geostats.MetricCompanyCount,
		out:    make(chan serverMessage, outboxSize),
		done:   make(chan struct{}),
	}
}

func (ss *session) run() {
	metrics.MapSessions.Inc()
	defer metrics.MapSessions.Dec()
	ss.log.Debug("ws_session_open")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ss.writeLoop()
	}()

	ss.tracker.Track(ss.cam, ss.ctrl.SetViewport)
	offView := ss.ctrl.Subscribe(func(v mapview.View) {
		if v.Markers == nil {
			v.Markers = []mapview.Marker{}
		}
		ss.send(serverMessage{Type: "markers", Markers: &v})
	})
	offClick := ss.layer.OnClick(ss.regionClicked)

	ss.reloadRegions()
	ss.readLoop()

	// Teardown: detach listeners before stopping the loads they feed.
	offClick()
	ss.tracker.Stop()
	offView()
	ss.cancel()
	ss.ctrl.Close()
	close(ss.done)
	<-writerDone
	ss.conn.Close()
	ss.log.Debug("ws_session_closed")
}

// send queues msg for the writer. It gives up once the session is
// cancelled, which the writer also does when the socket breaks.
func (ss *session) send(msg serverMessage) {
	select {
	case ss.out <- msg:
	case <-ss.ctx.Done():
	}
}

func (ss *session) writeLoop() {
	for {
		select {
		case <-ss.done:
			ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ss.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-ss.out:
			b, err := json.Marshal(msg)
			if err != nil {
				ss.log.Error("ws_encode_failed", zap.Error(err))
				continue
			}
			ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				ss.log.Debug("ws_write_failed", zap.Error(err))
				ss.cancel()
				ss.conn.Close()
				return
			}
		}
	}
}

func (ss *session) readLoop() {
	ss.conn.SetReadLimit(maxReadSize)
	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.log.Debug("ws_read_ended", zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ss.send(serverMessage{Type: "error", Error: "invalid message"})
			continue
		}
		ss.handle(msg)
	}
}

func (ss *session) handle(msg clientMessage) {
	switch msg.Type {
	case "viewport":
		if msg.Viewport == nil || !msg.Viewport.Bounds.Valid() {
			ss.send(serverMessage{Type: "error", Error: "invalid viewport"})
			return
		}
		ss.cam.SetView(*msg.Viewport)

	case "filters":
		var f markers.FilterState
		if msg.Filters != nil {
			f = *msg.Filters
		}
		ss.ctrl.SetFilters(f)

	case "cluster_click":
		move, err := ss.ctrl.ClusterClick(msg.ClusterID)
		if err != nil {
			ss.send(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		ss.send(serverMessage{Type: "camera", Camera: &move})
		ss.cam.FlyTo(move.Lat, move.Lng, move.Zoom)

	case "pin_click":
		popup, err := ss.ctrl.PinClick(msg.OrgNr)
		if err != nil {
			ss.send(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		ss.send(serverMessage{Type: "popup", Popup: &popup})

	case "region_enter":
		if err := ss.layer.PointerEnter(msg.Code); err != nil {
			ss.send(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		ss.pushRegion()

	case "region_leave":
		ss.layer.PointerLeave(msg.Code)
		ss.pushRegion()

	case "region_click":
		if _, err := ss.layer.Click(msg.Code); err != nil {
			ss.send(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		ss.pushRegion()

	case "deselect":
		ss.layer.Deselect()
		ss.pushRegion()

	case "region_stats":
		ss.mu.Lock()
		if msg.Metric != "" {
			ss.metric = msg.Metric
		}
		ss.nace = msg.Nace
		ss.mu.Unlock()
		ss.reloadRegions()

	default:
		ss.send(serverMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

// regionClicked narrows the marker filters to the clicked region.
func (ss *session) regionClicked(ev region.Click) {
	f := ss.ctrl.Filters()
	switch ev.Level {
	case geo.LevelMunicipality:
		f.MunicipalityCode = ev.Code
	default:
		f.CountyCode = ev.Code
		f.MunicipalityCode = ""
	}
	ss.send(serverMessage{Type: "region_click", Click: &ev})
	ss.ctrl.SetFilters(f)
}

func (ss *session) pushRegion() {
	ss.mu.Lock()
	metric := ss.metric
	ss.mu.Unlock()
	st := renderRegions(ss.layer, metric)
	ss.send(serverMessage{Type: "region", Region: &st})
}

// reloadRegions replaces the layer's statistics. Failures are reported to
// the client with a retry hint and leave the previous set in place.
func (ss *session) reloadRegions() {
	if ss.srv.stats == nil {
		return
	}
	ss.mu.Lock()
	q := geostats.Query{Level: ss.layer.Level(), Metric: ss.metric, Nace: ss.nace}
	ss.mu.Unlock()

	stats, err := ss.srv.stats.Stats(ss.ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		ss.log.Warn("region_stats_failed", zap.Error(err))
		ss.send(serverMessage{Type: "error", Error: "could not load region statistics", Retry: true})
		return
	}
	ss.layer.SetStats(stats)
	ss.pushRegion()
}
