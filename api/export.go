package api

import (
	"errors"
	"log/slog"
	"net/http"

	"bq-local-exporter/service"

	"github.com/gin-gonic/gin"
)

type ExportRequest struct {
	Dataset string `json:"dataset" binding:"required"`
	Table   string `json:"table" binding:"required"`
	Format  string `json:"format"`
}

type ExportResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Output  string `json:"output,omitempty"`
	Format  string `json:"format,omitempty"`
	Shards  int    `json:"shards"`
	Bytes   int64  `json:"bytes"`
}

func ExportHandler(driver service.ExportDriver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(c.Request.Context(), "Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		slog.InfoContext(c.Request.Context(), "Received export request",
			"dataset", req.Dataset,
			"table", req.Table,
			"format", req.Format,
		)

		res, err := driver.Execute(c.Request.Context(), service.ExportParams{
			Dataset: req.Dataset,
			Table:   req.Table,
			Format:  req.Format,
		})
		if res.RunID != "" {
			c.Set(runIDKey, res.RunID)
		}
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				slog.ErrorContext(c.Request.Context(), "Export failed", "error", err)
			} else {
				slog.WarnContext(c.Request.Context(), "Export rejected", "error", err)
			}
			c.JSON(status, gin.H{"error": "Failed to process export: " + err.Error(), "run_id": res.RunID})
			return
		}
		c.JSON(http.StatusOK, ExportResponse{
			Message: "OK",
			RunID:   res.RunID,
			Output:  res.Output,
			Format:  string(res.Format),
			Shards:  res.Shards,
			Bytes:   res.Bytes,
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSourceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
