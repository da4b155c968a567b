package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/api/websocket"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

type registerValue struct {
	Name   string `json:"name"`
	Value  any    `json:"value,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Error  string `json:"error,omitempty"`
}

type readResponse struct {
	Device    string          `json:"device"`
	Registers []registerValue `json:"registers"`
	Error     string          `json:"error,omitempty"`
}

// GET /api/v1/catalog
func (s *Server) listCatalog(c *gin.Context) {
	all := s.holder.Catalog().All()

	response := make([]gin.H, 0, len(all))
	for _, r := range all {
		entry := gin.H{
			"name":        r.Name,
			"description": r.Description,
			"kind":        r.Kind.String(),
			"aggregation": r.Aggregation.String(),
			"writable":    r.CanWrite(),
		}
		if r.Kind != registers.KindDerived {
			entry["address"] = r.Address
			entry["length"] = r.Length
		}
		if r.Suffix != "" {
			entry["suffix"] = r.Suffix
		}
		if r.CanWrite() && r.Kind != registers.KindEnum && r.Kind != registers.KindSystemTime {
			entry["min"] = r.Min
			entry["max"] = r.Max
		}
		if r.Enum != nil {
			entry["values"] = r.Enum.Values
		}
		response = append(response, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"registers": response,
		"count":     len(response),
	})
}

// GET /api/v1/registers?names=battery_soc,grid_power&device=all
// Runs a polling cycle and reports every register's value or its error.
func (s *Server) readRegisters(c *gin.Context) {
	var names []string
	for _, n := range strings.Split(c.Query("names"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	resp, err := s.read(c.Request.Context(), c.DefaultQuery("device", registers.AccumulatedPrefix), names)
	if err != nil {
		s.respondError(c, "REGISTERS", "Failed to read registers", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/registers/:name?device=all
func (s *Server) readRegister(c *gin.Context) {
	name := c.Param("name")

	resp, err := s.read(c.Request.Context(), c.DefaultQuery("device", registers.AccumulatedPrefix), []string{name})
	if err != nil {
		s.respondError(c, "REGISTER", "Failed to read register", err)
		return
	}

	rv := resp.Registers[0]
	if rv.Error != "" {
		set, _ := s.holder.Device(resp.Device)
		_, verr := set.Value(name)
		s.respondError(c, "REGISTER", "Register has no value", verr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":   resp.Device,
		"register": rv,
	})
}

func (s *Server) read(ctx context.Context, device string, names []string) (*readResponse, error) {
	device = strings.ToLower(device)

	set, ok := s.holder.Device(device)
	if !ok {
		return nil, fmt.Errorf("%s: %w", device, types.ErrDeviceNotFound)
	}

	regs, err := s.holder.Catalog().Select(names...)
	if err != nil {
		return nil, err
	}

	cycleErr := s.holder.Do(ctx, func(ctx context.Context) error {
		return s.holder.ReadWithRetry(ctx, names...)
	})
	if errors.Is(cycleErr, types.ErrLockTimeout) {
		return nil, cycleErr
	}

	resp := &readResponse{
		Device:    set.Prefix(),
		Registers: make([]registerValue, 0, len(regs)),
	}
	if cycleErr != nil {
		resp.Error = cycleErr.Error()
	}

	for _, r := range regs {
		rv := registerValue{Name: r.Name, Suffix: r.Suffix}
		if v, err := set.Value(r.Name); err != nil {
			rv.Error = err.Error()
		} else {
			rv.Value = v
		}
		resp.Registers = append(resp.Registers, rv)
	}

	return resp, nil
}

// POST /api/v1/registers/:name
func (s *Server) writeRegister(c *gin.Context) {
	name := c.Param("name")

	var req struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid request body", err.Error()))
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REGISTER_400", "Invalid request body", "value is required"))
		return
	}

	var written any
	err := s.holder.Do(c.Request.Context(), func(ctx context.Context) error {
		var err error
		written, err = s.holder.Write(ctx, name, req.Value)
		return err
	})
	if err != nil {
		s.logger.Warn("Register write failed", zap.String("register", name), zap.Error(err))
		s.respondError(c, "REGISTER", "Failed to write register", err)
		return
	}

	master, _ := s.holder.Registry().Master()
	if s.wsHub != nil {
		s.wsHub.Broadcast(websocket.NewRegisterWrittenMessage(master.Name, name, written))
	}

	c.JSON(http.StatusOK, gin.H{
		"device":   master.Name,
		"register": name,
		"value":    written,
	})
}
