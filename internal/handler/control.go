// Package handler mounts the HTTP control surfaces consumed by the CLI and
// the anonymising store's hooks.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/token"
)

// ControlHandler adjusts consumer rates and answers liveness probes on a
// worker's control port.
type ControlHandler struct {
	buckets map[string]*token.Bucket
	logger  *zap.Logger
}

func NewControlHandler(buckets map[string]*token.Bucket, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{buckets: buckets, logger: logger}
}

// RegisterControlRoutes mounts the per-queue rate and liveness endpoints.
func RegisterControlRoutes(e *echo.Echo, buckets map[string]*token.Bucket, logger *zap.Logger) {
	h := NewControlHandler(buckets, logger)
	e.GET("/heart-beat", h.HeartBeat)
	e.GET("/token-bucket-refresh-rate", h.GetRefreshRate)
	e.POST("/token-bucket-refresh-rate", h.SetRefreshRate)
}

// GET /heart-beat
func (h *ControlHandler) HeartBeat(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// GET /token-bucket-refresh-rate
func (h *ControlHandler) GetRefreshRate(c echo.Context) error {
	rates := make(map[string]float64, len(h.buckets))
	for queue, b := range h.buckets {
		rates[queue] = b.Rate()
	}
	return c.JSON(http.StatusOK, rates)
}

// POST /token-bucket-refresh-rate  { "rate": 2.5, "queue": "imaging" }
//
// An absent queue applies the rate to every bucket. Negative or non-numeric
// rates are not acceptable.
func (h *ControlHandler) SetRefreshRate(c echo.Context) error {
	var req struct {
		Rate  json.Number `json:"rate"`
		Queue string      `json:"queue"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusNotAcceptable, map[string]string{"error": "rate must be a number"})
	}
	rate, err := req.Rate.Float64()
	if err != nil || rate < 0 {
		return c.JSON(http.StatusNotAcceptable, map[string]string{"error": "rate must be a non-negative number"})
	}

	if req.Queue != "" {
		b, ok := h.buckets[req.Queue]
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown queue " + req.Queue})
		}
		if err := b.SetRate(rate); err != nil {
			return c.JSON(http.StatusNotAcceptable, map[string]string{"error": err.Error()})
		}
	} else {
		for _, b := range h.buckets {
			if err := b.SetRate(rate); err != nil {
				return c.JSON(http.StatusNotAcceptable, map[string]string{"error": err.Error()})
			}
		}
	}
	h.logger.Info("updated token bucket refresh rate",
		zap.Float64("rate", rate), zap.String("queue", req.Queue))
	return c.JSON(http.StatusOK, map[string]float64{"rate": rate})
}
