// Package dashboard is the read-only HTTP surface the out-of-scope UI
// consumes: health, a status snapshot, Prometheus metrics, and a
// best-effort websocket tap of the event stream. It never mutates
// supervisor state and never blocks the main loop.
package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/worker"
)

// Snapshot is the JSON document GET /status serves; the same struct backs
// the `ouroboros status` CLI and the bubbletea watch view.
type Snapshot struct {
	State         statestore.State  `json:"state"`
	Workers       []worker.Snapshot `json:"workers"`
	Pending       []task.Task       `json:"pending"`
	Running       []task.Task       `json:"running"`
	EventsDropped int64             `json:"events_dropped"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Server hosts the dashboard endpoints.
type Server struct {
	addr     string
	snapshot func() Snapshot
	registry *prometheus.Registry
	hub      *Hub
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a Server. registry may be nil to disable /metrics.
func New(addr string, snapshot func() Snapshot, registry *prometheus.Registry, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, snapshot: snapshot, registry: registry, hub: hub, logger: logger}
}

// Handler builds the gin engine; split from Start for httptest use.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ts": time.Now().UTC()})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.snapshot())
	})
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	if s.hub != nil {
		r.GET("/events", s.hub.serve)
	}
	return r
}

// Start serves until the listener fails; run it on a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("dashboard listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
}
