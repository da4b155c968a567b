package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	registry := s.holder.Registry()
	stats := s.holder.Stats()

	response := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		device, _ := registry.Get(st.Name)
		response = append(response, gin.H{
			"id":      device.ID,
			"name":    device.Name,
			"address": device.Address,
			"port":    device.Port,
			"unit_id": device.UnitID,
			"serial":  device.Serial,
			"master":  device.Master,
			"reads":   st.Reads,
			"writes":  st.Writes,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":     response,
		"count":       len(response),
		"system_type": registry.SystemType().String(),
		"environment": string(registry.Environment()),
	})
}

// GET /api/v1/devices/:name
// Returns the values of the last cycle without touching the inverters.
func (s *Server) getDevice(c *gin.Context) {
	name := strings.ToLower(c.Param("name"))

	set, ok := s.holder.Device(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", name))
		return
	}

	snap := s.holder.Snapshot()
	response := gin.H{
		"name":      set.Prefix(),
		"last_read": snap.Time,
		"values":    snap.Values[set.Prefix()],
	}
	if errs := snap.Errors[set.Prefix()]; len(errs) > 0 {
		response["errors"] = errs
	}

	if name != registers.AccumulatedPrefix {
		device, _ := s.holder.Registry().Get(name)
		response["id"] = device.ID
		response["address"] = device.Address
		response["master"] = device.Master
	}

	c.JSON(http.StatusOK, response)
}
