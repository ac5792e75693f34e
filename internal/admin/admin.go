// Package admin exposes the loopback HTTP plane: health, metrics,
// session introspection, and pairing control.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/hookrelay/internal/config"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/pairing"
	"github.com/danmuck/hookrelay/internal/relay"
)

// Server is the admin HTTP plane.
type Server struct {
	cfg     config.Config
	svc     *relay.Service
	pairing *pairing.Service
	logger  zerolog.Logger

	http *http.Server
}

func New(cfg config.Config, svc *relay.Service, pairingSvc *pairing.Service, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, pairing: pairingSvc, logger: logger}
}

// Start serves the admin plane in the background.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.logger.Info().Str("addr", s.cfg.AdminAddr).Msg("admin plane listening")
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(s.logger))
	router.Use(observability.RequestMetrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/sessions", s.sessions)
	router.GET("/subscribers", s.subscribers)
	router.POST("/pairing/code", s.pairingCode)
	router.POST("/pairing/proximity", s.pairingProximity)
	return router
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ready",
		"sessions":          len(s.svc.Sessions()),
		"subscribers":       s.svc.Hub().SubscriberCount(),
		"pending_decisions": s.svc.PendingDecisions(),
	})
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.svc.Sessions()})
}

func (s *Server) subscribers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscribers": s.svc.Hub().Subscribers()})
}

// pairingCode mints a fresh short code for manual entry on the
// companion device.
func (s *Server) pairingCode(c *gin.Context) {
	code, err := s.pairing.GenerateCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	expires, _ := s.pairing.ExpiresAt()
	c.JSON(http.StatusOK, gin.H{"code": code, "expires_at": expires})
}

// pairingProximity opens a zero-entry pairing window advertised over
// the local network.
func (s *Server) pairingProximity(c *gin.Context) {
	session, err := pairing.OpenProximity(pairing.ProximityPayload{
		Secret:      s.cfg.Secret,
		Port:        s.cfg.Port,
		ServiceName: s.cfg.ServiceName,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "open", "port": session.Port()})
}
