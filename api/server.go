// Package api exposes the HTTP and WebSocket surface of the order engine.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/internal/eventlog"
	"github.com/dexroute/dexroute/internal/queue"
	"github.com/dexroute/dexroute/internal/store"
	"github.com/dexroute/dexroute/internal/ws"
)

// Server is the API server.
type Server struct {
	router *gin.Engine
	logger *zap.Logger

	store    *store.Store
	queue    *queue.Queue
	eventLog *eventlog.Log
	hub      *ws.Hub

	retryPolicy queue.RetryPolicy
}

// NewServer wires the API over the engine's collaborators. rateLimit uses
// ulule formatted rates, e.g. "100-M" for 100 requests per minute per IP.
func NewServer(
	logger *zap.Logger,
	st *store.Store,
	q *queue.Queue,
	log *eventlog.Log,
	hub *ws.Hub,
	retryPolicy queue.RetryPolicy,
	rateLimit string,
) *Server {
	server := &Server{
		logger:      logger,
		store:       st,
		queue:       q,
		eventLog:    log,
		hub:         hub,
		retryPolicy: retryPolicy,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if rateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(rateLimit)
		if err != nil {
			logger.Warn("invalid rate limit, rate limiting disabled",
				zap.String("rate_limit", rateLimit),
				zap.Error(err),
			)
		} else {
			router.Use(ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate)))
		}
	}

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the server as an http.Handler for embedding in an
// http.Server with graceful shutdown.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)
		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.GET("/orders/:id/events", s.listOrderEvents)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws/orders/:id", s.serveOrderStream)
}

func (s *Server) healthCheck(c *gin.Context) {
	depth, err := s.queue.Len()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queue_depth": depth})
}
