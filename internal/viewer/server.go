/*
Package viewer is the user-visible surface of the service, the equivalent of
the original page: the annotated stream in a 640x480 box with an error banner
below it, plus status, health and metrics endpoints.

Endpoints:

	GET /              embedded HTML page (stream box + banner)
	GET /stream.mjpeg  multipart MJPEG of composited frames, latest wins
	GET /ws            websocket pushing status snapshots (1/s and on change)
	GET /api/status    the same snapshot as JSON
	GET /health/live   alive once the process is up
	GET /health/ready  ready only while the loop is running
	GET /metrics       counters JSON (loop, hub, plus attached sources)

The viewer never influences the annotation loop: a slow MJPEG client skips
frames, a failed websocket write drops that client, and neither is a tick
error.
*/
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/visiona/meshcam/internal/config"
)

const mjpegBoundary = "meshcamframe"

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The page is an unauthenticated local surface; the stream and status
	// are served to whoever can reach the listen address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the viewer surface
type Server struct {
	addr  string
	board *Board
	hub   *Hub

	engine *gin.Engine
	srv    *http.Server

	mu      sync.Mutex
	sources map[string]func() any
	ln      net.Listener
}

// NewServer creates the viewer server around the board and hub
func NewServer(cfg config.ViewerConfig, board *Board, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    cfg.Addr,
		board:   board,
		hub:     hub,
		sources: make(map[string]func() any),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/", s.page)
	engine.GET("/stream.mjpeg", s.streamMJPEG)
	engine.GET("/ws", s.statusWS)
	engine.GET("/api/status", s.apiStatus)
	engine.GET("/health/live", s.healthLive)
	engine.GET("/health/ready", s.healthReady)
	engine.GET("/metrics", s.metrics)

	s.engine = engine
	return s
}

// requestLogger logs completed requests at debug; the stream endpoints are
// long-lived so only their start would show anyway
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("viewer: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// AttachStatsSource registers a named provider merged into /metrics.
// Must be called before Start.
func (s *Server) AttachStatsSource(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = fn
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously so initialization can fail loudly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("viewer: failed to bind %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.srv = &http.Server{
		Handler:     s.engine,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /stream.mjpeg and /ws are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("viewer: serving", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("viewer: server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address (useful when configured with :0)
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the hub (releasing stream clients) and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("viewer: shutdown failed: %w", err)
	}
	slog.Info("viewer: stopped")
	return nil
}

func (s *Server) page(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", pageHTML)
}

// streamMJPEG writes multipart JPEG parts as the hub publishes them. Late
// joiners get the held frame immediately; a client that cannot keep up skips
// to the newest frame on its next part.
func (s *Server) streamMJPEG(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Connection", "close")
	c.Writer.WriteHeader(http.StatusOK)

	var lastSeq uint64
	if data, seq, ok := s.hub.Latest(); ok {
		if !writeMJPEGPart(c.Writer, data) {
			return
		}
		lastSeq = seq
	}

	for {
		data, seq, ok := s.hub.Next(lastSeq)
		if !ok {
			return // hub closed, service shutting down
		}
		lastSeq = seq

		if c.Request.Context().Err() != nil {
			return
		}
		if !writeMJPEGPart(c.Writer, data) {
			return // client gone
		}
	}
}

func writeMJPEGPart(w gin.ResponseWriter, data []byte) bool {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		mjpegBoundary, len(data)); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return false
	}
	w.Flush()
	return true
}

// statusWS pushes board snapshots once per second and immediately on change
func (s *Server) statusWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("viewer: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: consume control frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Status
	forceNext := true
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := s.board.Snapshot()
			changed := snap.Phase != last.Phase ||
				snap.Message != last.Message ||
				snap.Backend != last.Backend ||
				snap.Counters != last.Counters
			if !changed && !forceNext {
				continue
			}
			if err := conn.WriteJSON(snap); err != nil {
				slog.Debug("viewer: websocket write failed", "error", err)
				return
			}
			last = snap
			forceNext = false
		}
	}
}

func (s *Server) apiStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.Snapshot())
}

func (s *Server) healthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "alive",
		"uptime_s": s.board.Snapshot().UptimeS,
	})
}

// healthReady reports ready only while the loop is actually annotating
func (s *Server) healthReady(c *gin.Context) {
	snap := s.board.Snapshot()
	if snap.Phase != PhaseRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"phase":  snap.Phase,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"phase":  snap.Phase,
	})
}

func (s *Server) metrics(c *gin.Context) {
	snap := s.board.Snapshot()
	out := gin.H{
		"loop": snap.Counters,
		"hub":  s.hub.Stats(),
	}

	s.mu.Lock()
	for name, fn := range s.sources {
		out[name] = fn()
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, out)
}
