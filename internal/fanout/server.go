package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/timefmt"
)

// HealthSource reports whether the backing store connection is usable.
type HealthSource interface {
	Healthy() bool
}

// Server hosts the websocket endpoint plus the small HTTP sidecar
// (health and delivery stats).
type Server struct {
	hub     *Hub
	health  HealthSource
	logger  zerolog.Logger
	srv     *http.Server
	limiter *RateLimiter
}

func NewServer(port int, hub *Hub, health HealthSource, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	limiter := NewRateLimiter(120, 20)

	s := &Server{
		hub:     hub,
		health:  health,
		logger:  logger.With().Str("component", "fanout-http").Logger(),
		limiter: limiter,
	}

	r.GET("/ws", hub.Subscribe)
	r.GET("/health", limiter.Middleware(), s.handleHealth)
	r.GET("/stats", limiter.Middleware(), s.handleStats)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener and the hub broadcast loop. It returns once the
// listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("fanout listener started")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, then tears down the hub and its clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.hub.Close()
	s.limiter.Close()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	dbHealthy := s.health == nil || s.health.Healthy()
	status := http.StatusOK
	state := "operational"
	if !dbHealthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"dbHealthy": dbHealthy,
		"clients":   s.hub.ClientCount(),
		"time":      timefmt.Now(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}
