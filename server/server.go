// Package server exposes the ad server over HTTP with gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vorpalengineering/x402-adserver/ads"
	"github.com/vorpalengineering/x402-adserver/config"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/resource/middleware"
	"github.com/vorpalengineering/x402-adserver/types"
)

// Deps are the services the HTTP layer is built on. Metrics and
// RateLimiter are optional.
type Deps struct {
	Ads         *ads.Service
	Publishers  *ads.Publishers
	Auth        *Authenticator
	Metrics     *metrics.Metrics
	RateLimiter *RateLimiter
	Log         *logger.Logger
	// PublicURL is the externally visible base URL. When empty the
	// request's own scheme and host are used.
	PublicURL string
}

type Server struct {
	router     *gin.Engine
	ads        *ads.Service
	publishers *ads.Publishers
	auth       *Authenticator
	metrics    *metrics.Metrics
	log        *logger.Logger
	publicURL  string
}

func New(deps Deps) (*Server, error) {
	if deps.Ads == nil || deps.Publishers == nil || deps.Auth == nil {
		return nil, fmt.Errorf("ads, publishers and auth are required")
	}
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		router:     gin.New(),
		ads:        deps.Ads,
		publishers: deps.Publishers,
		auth:       deps.Auth,
		metrics:    deps.Metrics,
		log:        log.With("component", "http"),
		publicURL:  strings.TrimRight(deps.PublicURL, "/"),
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	if deps.RateLimiter != nil {
		s.router.Use(deps.RateLimiter.Middleware())
	}

	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) registerRoutes() error {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	gate, err := middleware.NewX402Middleware(&middleware.MiddlewareConfig{
		Requirements: func(c *gin.Context) (*types.PaymentRequirements, error) {
			return s.ads.Requirements(c.Request.Context(), c.Param("id"), s.resourceURL(c))
		},
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create payment gate: %w", err)
	}

	api := s.router.Group("/api")
	api.GET("/premium", s.handleListPremium)
	api.GET("/premium/:id", gate.Handler(), s.handleUnlockPremium)

	authed := api.Group("", s.auth.RequireAuth(s.log))

	sessions := authed.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.POST("/:id/complete", s.handleCompleteSession)
	sessions.POST("/:id/pay", s.handlePaySession)

	pub := authed.Group("/publisher", RequireRole(s.log, model.RolePublisher, model.RoleAdmin))
	pub.GET("/profile", s.handleGetProfile)
	pub.PUT("/profile", s.handleUpdateProfile)
	pub.POST("/events", s.handleIngestEvent)
	pub.GET("/webhook-deliveries", s.handleListDeliveries)
	pub.GET("/webhook-deliveries/:id", s.handleGetDelivery)
	pub.POST("/webhook-deliveries/:id/replay", s.handleReplayDelivery)
	pub.GET("/summary", s.handleSummary)
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ad server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), elapsed)
		s.log.Info("request",
			"method", c.Request.Method,
			"path", route,
			"status", c.Writer.Status(),
			"latency_ms", elapsed.Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// resourceURL is the absolute URL of the current request path.
func (s *Server) resourceURL(c *gin.Context) string {
	if s.publicURL != "" {
		return s.publicURL + c.Request.URL.Path
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}
