package web

import (
	"net/http"

	"github.com/deemkeen/courier/activitypub"
	"github.com/gin-gonic/gin"
)

// getHealth reports the delivery health snapshot. Only an unhealthy engine
// answers 503; degraded still serves.
func (s *Server) getHealth(c *gin.Context) {
	report, err := s.health.Snapshot(c.Request.Context())
	if err != nil {
		s.internalError(c, "health snapshot failed", err)
		return
	}
	status := http.StatusOK
	if report.Status == activitypub.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
