package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/waste-classifier/internal/auth"
	"github.com/example/waste-classifier/internal/storage"
	"github.com/example/waste-classifier/internal/usecase"
)

// MaxBodySize caps the JSON request body. A 10 MiB image is about 13.4 MiB
// once base64 encoded.
const MaxBodySize = 16 << 20

// RequestIDHeader carries the caller's correlation id.
const RequestIDHeader = "X-Request-ID"

// Service is the use case surface served over HTTP and Lambda.
type Service interface {
	Handle(ctx context.Context, req usecase.Request) usecase.Response
	GetRecord(ctx context.Context, id string) (*storage.ImageRecord, error)
	Stats(ctx context.Context) (*usecase.Stats, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metrics may be nil.
// authMiddleware guards the record and stats endpoints.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, metrics http.Handler, logger *zap.Logger) {
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	router.POST("/classify", func(c *gin.Context) {
		contentType := c.ContentType()
		if contentType != "" && !strings.EqualFold(contentType, gin.MIMEJSON) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
		var req usecase.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "stage": usecase.StageDecode})
			return
		}

		requestID := requestIDFrom(c)
		resp := svc.Handle(usecase.WithRequestID(c.Request.Context(), requestID), req)
		for key, value := range resp.Headers {
			c.Header(key, value)
		}
		c.Data(resp.StatusCode, gin.MIMEJSON, []byte(resp.Body))
	})

	router.GET("/records/:id", authMiddleware, func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		requestID := requestIDFrom(c)
		requesterLogger(logger, c, requestID).Info("record lookup", zap.String("img_id", id))
		record, err := svc.GetRecord(usecase.WithRequestID(c.Request.Context(), requestID), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "record lookup failed"})
			return
		}

		c.JSON(http.StatusOK, record)
	})

	router.GET("/stats", authMiddleware, func(c *gin.Context) {
		requestID := requestIDFrom(c)
		requesterLogger(logger, c, requestID).Info("stats requested")
		stats, err := svc.Stats(usecase.WithRequestID(c.Request.Context(), requestID))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "stats unavailable"})
			return
		}

		c.JSON(http.StatusOK, stats)
	})
}

func requesterLogger(logger *zap.Logger, c *gin.Context, requestID string) *zap.Logger {
	subject, _ := auth.Subject(c.Request.Context())
	return logger.With(zap.String("request_id", requestID), zap.String("subject", subject))
}

func requestIDFrom(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(RequestIDHeader, requestID)
	return requestID
}
