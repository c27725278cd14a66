package devremote

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
)

// Handler returns the gin router serving the remote API.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sync/push", s.handlePush)
		v1.GET("/sync/status", s.handleStatus)
		v1.GET("/:entity", s.handleList)
		v1.POST("/:entity", s.handleCreate)
		v1.PUT("/:entity/:id", s.handleUpdate)
		v1.DELETE("/:entity/:id", s.handleDelete)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("devremote request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_id":   c.GetHeader(remote.ClientIDHeader),
		})
	}
}

func (s *Server) handlePush(c *gin.Context) {
	var req remote.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	resp, status := s.push(&req)
	if status != 0 {
		c.JSON(status, gin.H{"error": "push unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, remote.StatusResponse{
		ServerTime: s.now().UTC().Format(time.RFC3339),
		Health:     "ok",
		QueueStats: s.stats(),
	})
}

func (s *Server) entity(c *gin.Context) (models.EntityType, bool) {
	entity, err := models.ParseEntity(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return entity, true
}

func (s *Server) handleList(c *gin.Context) {
	entity, ok := s.entity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Records(entity)})
}

func (s *Server) handleCreate(c *gin.Context) {
	entity, ok := s.entity(c)
	if !ok {
		return
	}
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	s.mu.Lock()
	if msg, rejected := s.rejects[entity]; rejected {
		s.mu.Unlock()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}
	saved := s.create(entity, rec.LocalClientID, &rec).Clone()
	s.mu.Unlock()

	c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleUpdate(c *gin.Context) {
	entity, ok := s.entity(c)
	if !ok {
		return
	}
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	s.mu.Lock()
	saved, err := s.update(entity, s.resolve(entity, c.Param("id")), &rec)
	if saved != nil {
		saved = saved.Clone()
	}
	s.mu.Unlock()

	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) handleDelete(c *gin.Context) {
	entity, ok := s.entity(c)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.table(entity), s.resolve(entity, c.Param("id")))
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}
