package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/api/rest"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/api/websocket"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/interfaces"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/publisher"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type LifecycleManager struct {
	config    *config.Config
	holder    *holder.Holder
	poller    *holder.Poller
	wsHub     *websocket.Hub
	publisher *publisher.Publisher
	logger    *zap.Logger

	restServer *rest.Server
	hubCancel  context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	h, err := NewHolder(cfg, logger)
	if err != nil {
		return nil, err
	}

	lm := &LifecycleManager{
		config:       cfg,
		holder:       h,
		wsHub:        websocket.NewHub(logger),
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	sinks := []holder.Sink{lm.wsHub}
	if cfg.MQTT.Enabled {
		prefixes := append([]string{registers.AccumulatedPrefix}, h.Registry().Names()...)
		lm.publisher = publisher.New(cfg.MQTT, h.Catalog(), prefixes, logger)
		sinks = append(sinks, lm.publisher)
	}

	lm.poller = holder.NewPoller(h, cfg.Poll.Interval, cfg.Poll.Registers, logger, sinks...)
	lm.restServer = rest.NewServer(cfg, lm, h, lm.wsHub, logger)

	return lm, nil
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting inverter service",
		zap.String("environment", string(lm.holder.Registry().Environment())),
		zap.String("system_type", lm.holder.Registry().SystemType().String()),
		zap.Strings("inverters", lm.holder.Registry().Names()))

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	if lm.publisher != nil {
		if err := lm.publisher.Connect(ctx); err != nil {
			lm.setError(err)
			return err
		}
	}

	if err := lm.restServer.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if err := lm.poller.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start poller: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Duration("poll_interval", lm.config.Poll.Interval),
		zap.Bool("mqtt_enabled", lm.publisher != nil))

	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var err error

	// 1. No new cycles
	lm.poller.Stop()

	// 2. REST API Server graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, lm.config.Server.ShutdownTimeout)
	defer cancel()
	if serr := lm.restServer.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("rest api shutdown failed: %w", serr))
	}

	// 3. Live clients and broker
	if lm.hubCancel != nil {
		lm.hubCancel()
	}
	if lm.publisher != nil {
		lm.publisher.Close()
	}

	// 4. Inverter connections and the cycle lock
	if derr := lm.holder.Disconnect(); derr != nil {
		err = multierr.Append(err, fmt.Errorf("inverter disconnect failed: %w", derr))
	}

	if err != nil {
		lm.logger.Warn("Shutdown finished with errors", zap.Error(err))
	} else {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastErr = err
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, lastErr := lm.currentState, lm.lastErr
	lm.stateMu.RUnlock()

	registry := lm.holder.Registry()
	status := interfaces.SystemStatus{
		State:       state.String(),
		Environment: string(registry.Environment()),
		SystemType:  registry.SystemType().String(),
		DeviceCount: registry.Len(),
		Polling:     lm.poller.IsRunning(),
		LastPoll:    lm.holder.LastRead(),
	}
	if master, ok := registry.Master(); ok {
		status.Master = master.Name
	}
	if err := lm.poller.LastError(); err != nil {
		status.LastError = err.Error()
	} else if lastErr != nil {
		status.LastError = lastErr.Error()
	}

	return status
}

func (lm *LifecycleManager) Holder() *holder.Holder {
	return lm.holder
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
