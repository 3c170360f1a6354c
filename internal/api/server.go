// Package api exposes the control surface: pool/rotation/override
// CRUD and a live request feed, talking only to Store/Pool/rotation
// Engine. No proxying logic lives here.
package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rotaproxy/internal/config"
	"rotaproxy/internal/maintainer"
	"rotaproxy/internal/metrics"
	"rotaproxy/internal/pool"
	"rotaproxy/internal/store"
)

type Server struct {
	cfg        *config.Config
	st         store.Store
	pl         *pool.Pool
	maint      *maintainer.Maintainer
	metrics    *metrics.Collector
	router     *gin.Engine
	httpServer *http.Server
	limiter    *RateLimiter
}

// RateLimiter hands out a per-IP token bucket, grounded on the same
// golang.org/x/time/rate shape the teacher uses for its API.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = l
	return l
}

func NewServer(cfg *config.Config, st store.Store, pl *pool.Pool, maint *maintainer.Maintainer, m *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		st:      st,
		pl:      pl,
		maint:   maint,
		metrics: m,
		router:  router,
		limiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		s.router.GET(s.cfg.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	protected := s.router.Group("/")
	protected.Use(s.authMiddleware())
	protected.Use(s.rateLimitMiddleware())

	protected.GET("/api/stats", s.handleStats)
	protected.GET("/api/pool", s.handlePoolList)
	protected.POST("/api/pool/flush", s.handlePoolFlush)
	protected.POST("/api/pool/refresh", s.handlePoolRefresh)
	protected.GET("/api/requests", s.handleRequests)
	protected.GET("/api/rotation-rules", s.handleGetRotationRules)
	protected.POST("/api/rotation-rules", s.handleSetRotationRules)
	protected.GET("/api/domain-overrides", s.handleListOverrides)
	protected.POST("/api/domain-overrides", s.handleSetOverride)
	protected.DELETE("/api/domain-overrides/:domain", s.handleDeleteOverride)
	protected.GET("/ws/live", s.handleLive)
}

func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithFields(log.Fields{"component": "api"}).Infof("control API listening on %s", s.cfg.API.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.WithFields(log.Fields{"component": "api"}).Info("shutting down control API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.WithFields(log.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).Milliseconds(),
			"ip":        c.ClientIP(),
		}).Info("api request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		c.Next()
		s.metrics.RecordAPIRequest(method, path, strconv.Itoa(c.Writer.Status()))
		s.metrics.RecordAPIDuration(method, path, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expected := os.Getenv(s.cfg.API.SecretEnv)
	if expected == "" {
		log.WithFields(log.Fields{"component": "api"}).Warn("api secret not set in environment, authentication disabled")
	}
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := bearerToken(c.GetHeader("Authorization"))
		if got == "" {
			got = c.GetHeader("X-Api-Key")
		}
		if got != expected {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.get(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "control-api"})
}
