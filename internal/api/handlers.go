package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dbresolve/internal/models"
	"dbresolve/internal/service/resolver"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"

	errNoMessage = "no message given"
)

// Resolver answers inbound messages.
type Resolver interface {
	Resolve(ctx context.Context, msg *models.Message) models.Answer
}

// AuditLog reads back recorded resolutions.
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]models.Resolution, error)
}

// Handler wires HTTP routes to the resolver.
type Handler struct {
	resolver Resolver
	audit    AuditLog
	logger   *zap.Logger
}

// NewHandler constructs a Handler instance. audit may be nil when the
// audit trail is disabled.
func NewHandler(res Resolver, audit AuditLog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{resolver: res, audit: audit, logger: logger}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID(), h.accessLog())
	router.GET("/healthz", h.health)
	router.POST("/database", h.resolve)
	router.POST("/resolve", h.resolve)
	router.GET("/resolutions", h.listResolutions)
}

// requestID keeps a valid inbound X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext retrieves the id assigned by the request id middleware.
func RequestIDFromContext(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("request_id", RequestIDFromContext(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		h.logger.Info("http request", fields...)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) resolve(c *gin.Context) {
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, models.DefaultFailure(errNoMessage))
		return
	}
	ctx := resolver.ContextWithRequestID(c.Request.Context(), RequestIDFromContext(c))
	c.JSON(http.StatusOK, h.resolver.Resolve(ctx, &msg))
}

func (h *Handler) listResolutions(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	records, err := h.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list resolutions", zap.String("request_id", RequestIDFromContext(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load resolutions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolutions": records})
}
