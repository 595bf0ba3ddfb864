package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	"github.com/gin-gonic/gin"
)

type kpiResponse struct {
	Name    string                  `json:"name"`
	Kind    aggregatedomain.Kind    `json:"kind"`
	Mode    aggregatedomain.Mode    `json:"mode"`
	Window  aggregatedomain.Window  `json:"window"`
	Value   *float64                `json:"value"`
	Samples int64                   `json:"samples"`
}

// GetKPI computes one KPI. The window is either a trailing duration
// (?window=24h) or an explicit range (?from=&to=, RFC3339).
func (s *Server) GetKPI(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))

	window, err := parseWindow(c, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.kpisvc.ComputeKPI(c.Request.Context(), name, window)
	if err != nil {
		if errors.Is(err, aggregatedomain.ErrNoSamples) {
			c.JSON(http.StatusOK, kpiResponse{
				Name:   name,
				Window: window,
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, kpiResponse{
		Name:    result.Name,
		Kind:    result.Kind,
		Mode:    result.Mode,
		Window:  result.Window,
		Value:   &result.Value,
		Samples: result.Samples,
	})
}

func parseWindow(c *gin.Context, now time.Time) (aggregatedomain.Window, error) {
	if trailing := strings.TrimSpace(c.Query("window")); trailing != "" {
		d, err := time.ParseDuration(trailing)
		if err != nil || d <= 0 {
			return aggregatedomain.Window{}, fmt.Errorf("%w: window", aggregatedomain.ErrInvalidWindow)
		}
		now = now.UTC()
		return aggregatedomain.Window{From: now.Add(-d), To: now}, nil
	}

	var window aggregatedomain.Window
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return aggregatedomain.Window{}, fmt.Errorf("%w: from", aggregatedomain.ErrInvalidWindow)
		}
		window.From = from
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return aggregatedomain.Window{}, fmt.Errorf("%w: to", aggregatedomain.ErrInvalidWindow)
		}
		window.To = to
	}
	if window.From.IsZero() {
		return aggregatedomain.Window{}, fmt.Errorf("%w: window or from is required", aggregatedomain.ErrInvalidWindow)
	}
	return window, nil
}
