package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
	"github.com/ToolBrain/toolbrain-tracing/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"vector_ext": s.store.HasVectorExt(),
		"librarian":  s.librarian != nil,
	})
}

type queryRequest struct {
	Question  string `json:"question" binding:"required"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleNaturalLanguageQuery(c *gin.Context) {
	if s.librarian == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "no LLM provider configured"})
		return
	}

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "question is required"})
		return
	}

	answer, err := s.librarian.AnswerQuery(c.Request.Context(), req.Question, req.SessionID)
	if err != nil {
		s.logger.Error("query turn failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	messages, err := s.store.GetSessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		s.logger.Error("session load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if len(messages) == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

func (s *Server) handleAddTrace(c *gin.Context) {
	var payload schema.TracePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed trace payload"})
		return
	}
	if err := s.store.AddTrace(c.Request.Context(), &payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trace_id": payload.TraceID})
}

func (s *Server) handleListTraces(c *gin.Context) {
	filter := store.ListFilter{
		Status: c.Query("status"),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if since := c.Query("since"); since != "" {
		ts, err := schema.ParseTimestamp(since)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unrecognized since timestamp"})
			return
		}
		filter.Since = ts
	}

	traces, err := s.store.ListTraces(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("trace list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if traces == nil {
		traces = []schema.Trace{}
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces, "count": len(traces)})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	trace, err := s.store.GetTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, errorResponse{Error: "trace not found"})
			return
		}
		s.logger.Error("trace load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleAddFeedback(c *gin.Context) {
	var fb schema.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed feedback"})
		return
	}
	if err := s.store.AddFeedback(c.Request.Context(), c.Param("id"), &fb); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, errorResponse{Error: "trace not found"})
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": c.Param("id")})
}

func (s *Server) handleGetEpisode(c *gin.Context) {
	episodeID := c.Param("id")
	traces, err := s.store.GetTracesByEpisode(c.Request.Context(), episodeID)
	if err != nil {
		s.logger.Error("episode load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if len(traces) == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: "episode not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"episode_id": episodeID, "traces": traces, "count": len(traces)})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "status is required"})
		return
	}
	if err := s.store.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, errorResponse{Error: "trace not found"})
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": c.Param("id"), "status": req.Status})
}

type searchRequest struct {
	Query     string `json:"query" binding:"required"`
	MinRating int    `json:"min_rating"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleSearchTraces(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "query is required"})
		return
	}

	results, err := s.store.SearchSimilarExperiences(c.Request.Context(), req.Query, req.MinRating, req.Limit)
	if err != nil {
		s.logger.Error("similarity search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleToolUsage(c *gin.Context) {
	usage, err := s.store.ToolUsageStats(c.Request.Context(), intQuery(c, "limit", 20))
	if err != nil {
		s.logger.Error("tool usage failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if usage == nil {
		usage = []schema.ToolUsage{}
	}
	c.JSON(http.StatusOK, gin.H{"tools": usage})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
