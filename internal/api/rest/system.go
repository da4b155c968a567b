package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	if s.lm == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SYSTEM_503", "Lifecycle manager not available", nil))
		return
	}

	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}
