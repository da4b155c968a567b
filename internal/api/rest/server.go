package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/api/websocket"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/interfaces"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	holder *holder.Holder
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, h *holder.Holder, wsHub *websocket.Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		holder: h,
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Lock.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously so a busy port fails here
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", lis.Addr().String()))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/system/status", s.getSystemStatus)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:name", s.getDevice)
		}

		// ==================== REGISTERS ====================
		v1.GET("/catalog", s.listCatalog)

		registers := v1.Group("/registers")
		{
			registers.GET("", s.readRegisters)
			registers.GET("/:name", s.readRegister)
			registers.POST("/:name", s.writeRegister)
		}

		// ==================== WEBSOCKET ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrRegisterNotFound), errors.Is(err, types.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, types.ErrValueOutOfRange), errors.Is(err, types.ErrTypeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoMasterConfigured), errors.Is(err, types.ErrNotAggregated):
		return http.StatusConflict
	case errors.Is(err, types.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrNoSocketAvailable), errors.Is(err, types.ErrWriteMismatch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(c *gin.Context, scope, message string, err error) {
	status := statusFor(err)
	c.JSON(status, types.NewErrorResponse(fmt.Sprintf("%s_%d", scope, status), message, err.Error()))
}
