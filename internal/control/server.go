package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/autotrader/internal/autoloop"
	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// Config is the control surface listener.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	StreamBuffer   int    `yaml:"stream_buffer"`   // per-subscriber trade buffer
	WriteTimeoutMs int    `yaml:"write_timeout_ms"` // per websocket/SSE write
	HeartbeatSec   int    `yaml:"heartbeat_sec"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Addr:           ":8090",
		StreamBuffer:   64,
		WriteTimeoutMs: 5000,
		HeartbeatSec:   15,
	}
}

// Loop is what the control surface drives.
type Loop interface {
	Start(ctx context.Context) bool
	Stop()
	RunOnce(ctx context.Context) (autoloop.Status, error)
	Info() autoloop.Info
	ResetBreaker(by, reason string)
}

// Server exposes loop lifecycle, breaker reset, metrics and the live trade
// feed over HTTP.
type Server struct {
	config Config
	loop   Loop
	bus    *events.Bus
	base   context.Context // parent for timers started over the API
}

func New(config Config, loop Loop, bus *events.Bus) *Server {
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = 64
	}
	if config.WriteTimeoutMs <= 0 {
		config.WriteTimeoutMs = 5000
	}
	if config.HeartbeatSec <= 0 {
		config.HeartbeatSec = 15
	}
	return &Server{config: config, loop: loop, bus: bus, base: context.Background()}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", gin.WrapH(observ.Health()))
	r.GET("/metrics", gin.WrapH(observ.Handler()))
	r.GET("/status", s.handleStatus)

	loop := r.Group("/loop")
	loop.POST("/start", s.handleStart)
	loop.POST("/stop", s.handleStop)
	loop.POST("/run-once", s.handleRunOnce)

	breaker := r.Group("/breaker")
	breaker.GET("", s.handleBreaker)
	breaker.POST("/reset", s.handleBreakerReset)

	r.GET("/ws/trades", s.handleTradesWS)
	r.GET("/events/trades", s.handleTradesSSE)
	return r
}

// Serve listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observ.Log("control_listening", map[string]any{"addr": s.config.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	info := s.loop.Info()
	c.JSON(http.StatusOK, gin.H{
		"loop":       info,
		"version":    observ.Version(),
		"uptime_sec": int64(observ.Uptime().Seconds()),
	})
}

func (s *Server) handleStart(c *gin.Context) {
	started := s.loop.Start(s.base)
	c.JSON(http.StatusOK, gin.H{"started": started, "status": s.loop.Info().Status})
}

func (s *Server) handleStop(c *gin.Context) {
	s.loop.Stop()
	c.JSON(http.StatusOK, gin.H{"stopped": true, "status": s.loop.Info().Status})
}

func (s *Server) handleRunOnce(c *gin.Context) {
	st, err := s.loop.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": st, "error": err.Error(), "fatal": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func (s *Server) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.Info().Breaker)
}

type resetRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if req.By == "" {
		req.By = "control_api"
	}
	s.loop.ResetBreaker(req.By, req.Reason)
	observ.Log("circuit_breaker_reset_requested", map[string]any{"by": req.By, "reason": req.Reason, "remote": c.ClientIP()})
	c.JSON(http.StatusOK, s.loop.Info().Breaker)
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		observ.IncCounter("control_requests_total", map[string]string{"route": route, "code": code})
		observ.RecordDuration("control_request_duration", time.Since(start), map[string]string{"route": route})
		observ.Debug("control_request", map[string]any{
			"method":   c.Request.Method,
			"route":    route,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
