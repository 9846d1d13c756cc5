package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"SmartBin/control"
	"SmartBin/device"
	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the local status API: JSON endpoints, a JPEG of the latest frame
// and a websocket feed of overlays. It also implements iface.Display.
type Server struct {
	state    *perception.State
	priors   iface.AnchorPriors
	feedback func() (control.Feedback, bool)
	shutdown func()
	started  time.Time

	router *gin.Engine
	srv    *http.Server
	hub    *hub

	shutdownOnce sync.Once
}

type boxJSON struct {
	Label      string  `json:"label"`
	Class      int     `json:"class"`
	Confidence float64 `json:"confidence"`
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
}

// New builds the router. feedback reports the latest control decision,
// typically (*control.Loop).Last.
func New(state *perception.State, priors iface.AnchorPriors, feedback func() (control.Feedback, bool), shutdown func()) *Server {
	s := &Server{
		state:    state,
		priors:   priors,
		feedback: feedback,
		shutdown: shutdown,
		started:  time.Now(),
		hub:      newHub(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), func(c *gin.Context) {
		monitor.APIRequests.Inc()
		c.Next()
	})
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", s.status)
	r.GET("/api/detections", s.detections)
	r.GET("/api/frame.jpg", s.frame)
	r.POST("/api/shutdown", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"data": "shutting down"})
		s.shutdownOnce.Do(func() {
			logger.Log().Info("shutdown requested over api", zap.String("client", c.ClientIP()))
			if s.shutdown != nil {
				go s.shutdown()
			}
		})
	})
	r.GET("/ws/overlay", s.hub.serve)
	return r
}

func (s *Server) status(c *gin.Context) {
	stats := s.state.Stats()
	data := gin.H{
		"uptime":               time.Since(s.started).Round(time.Second).String(),
		"frames_published":     stats.FramesPublished,
		"detections_published": stats.DetectionsPublished,
		"overlay_clients":      s.hub.count(),
	}
	if fb, ok := s.feedback(); ok {
		data["state"] = fb.State.String()
		data["message"] = fb.Message
		data["labels"] = fb.Labels
		if fb.Position != nil {
			data["position"] = fb.Position
		}
	}
	if snap, ok := s.state.Detections(); ok {
		data["detections_age_ms"] = time.Since(snap.PublishedAt).Milliseconds()
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) detections(c *gin.Context) {
	snap, ok := s.state.Detections()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no detections yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"cycle":        snap.Cycle,
		"frame":        snap.FrameSeq,
		"published_at": snap.PublishedAt,
		"boxes":        s.boxes(snap.Detections),
	}})
}

func (s *Server) frame(c *gin.Context) {
	f := s.state.Frame()
	if !f.Valid() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": iface.ErrNoFrame.Error()})
		return
	}
	c.Header("Content-Type", "image/jpeg")
	c.Header("X-Frame-Seq", fmt.Sprint(f.Seq))
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, device.ToImage(f), imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		logger.Log().Warn("frame encode failed", zap.Error(err))
	}
}

func (s *Server) boxes(set iface.DetectionSet) []boxJSON {
	out := make([]boxJSON, 0, len(set))
	for _, b := range set {
		out = append(out, boxJSON{
			Label:      s.priors.Label(b.Class),
			Class:      b.Class,
			Confidence: b.Confidence,
			XMin:       b.XMin,
			YMin:       b.YMin,
			XMax:       b.XMax,
			YMax:       b.YMax,
		})
	}
	return out
}

// Render pushes the overlay, without the frame pixels, to every websocket client.
func (s *Server) Render(o iface.Overlay) error {
	if s.hub.count() == 0 {
		return nil
	}
	msg := overlayMessage{
		State:   o.State.String(),
		Message: o.Message,
		Boxes:   s.boxes(o.Detections),
	}
	if o.Frame != nil {
		msg.Frame = o.Frame.Seq
	}
	if o.Primary != nil {
		p := s.boxes(iface.DetectionSet{*o.Primary})[0]
		msg.Primary = &p
		msg.Position = o.Position
	}
	s.hub.broadcast(msg)
	return nil
}

// Start listens on port in the background.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	go func() {
		logger.Log().Info("api server listening", zap.Int("port", port))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("api server ListenAndServe error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
