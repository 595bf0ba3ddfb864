package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GuardrailStatus evaluates every guardrail and reports the full picture:
// per-guardrail value, threshold and state, plus the overall decision.
func (s *Server) GuardrailStatus(c *gin.Context) {
	report, err := s.guardrailsvc.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
