// Package api exposes the trace store and librarian over HTTP.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ToolBrain/toolbrain-tracing/internal/librarian"
	"github.com/ToolBrain/toolbrain-tracing/internal/store"
)

// Server wires the HTTP handlers to their collaborators. Librarian may
// be nil when no provider is configured; the query endpoints then
// return 503 instead of failing at startup.
type Server struct {
	store     *store.Store
	librarian *librarian.Librarian
	logger    *zap.Logger
}

// NewServer creates the HTTP layer.
func NewServer(s *store.Store, lib *librarian.Librarian, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: s, librarian: lib, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/natural_language_query", s.handleNaturalLanguageQuery)
		v1.GET("/librarian_sessions/:id", s.handleGetSession)

		traces := v1.Group("/traces")
		{
			traces.POST("", s.handleAddTrace)
			traces.GET("", s.handleListTraces)
			traces.POST("/search", s.handleSearchTraces)
			traces.GET("/:id", s.handleGetTrace)
			traces.POST("/:id/feedback", s.handleAddFeedback)
			traces.POST("/:id/status", s.handleSetStatus)
		}

		v1.GET("/episodes/:id", s.handleGetEpisode)
		v1.GET("/stats", s.handleStats)
		v1.GET("/analytics/tool_usage", s.handleToolUsage)
	}
	return router
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
