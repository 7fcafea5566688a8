package api

import (
	"log/slog"
	"net/http"
	"time"

	"bq-local-exporter/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP surface. When apiKey is set every route except
// /health requires a matching X-API-Key header.
func NewRouter(driver service.ExportDriver, apiKey string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if apiKey != "" {
		r.Use(func(c *gin.Context) {
			if c.Request.URL.Path == "/health" {
				c.Next()
				return
			}
			if c.GetHeader("X-API-Key") != apiKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		})
	}

	r.Use(requestLogger())

	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	r.Use(cors.New(config))

	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.POST("/api/export", ExportHandler(driver))
	return r
}

// runIDKey carries the run ID of an export from the handler to the request
// log line.
const runIDKey = "run_id"

// requestLogger writes one slog line per request, tagged with the export run
// when there was one. Server errors log at ERROR and rejected requests at WARN.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}
		if runID := c.GetString(runIDKey); runID != "" {
			attrs = append(attrs, slog.String(runIDKey, runID))
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			slog.ErrorContext(ctx, "Request processed", attrs...)
		case status >= http.StatusBadRequest:
			slog.WarnContext(ctx, "Request processed", attrs...)
		default:
			slog.InfoContext(ctx, "Request processed", attrs...)
		}
	}
}
