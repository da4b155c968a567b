package system

import (
	"fmt"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/devices"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/modbus"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"go.uber.org/zap"
)

// NewHolder wires registry, register catalog, transport and cache from cfg
func NewHolder(cfg *config.Config, logger *zap.Logger) (*holder.Holder, error) {
	registry, err := devices.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build device registry: %w", err)
	}

	catalog, err := registers.LoadCatalog(cfg.Profiles.SearchPaths, cfg.Profiles.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load register catalog: %w", err)
	}

	dialer, err := modbus.NewDialer(modbus.TransportConfig{
		Kind:     cfg.Modbus.Transport,
		Timeout:  cfg.Modbus.Timeout,
		Serial:   cfg.Modbus.SerialDevice,
		BaudRate: cfg.Modbus.BaudRate,
	})
	if err != nil {
		return nil, err
	}

	return holder.New(registry, catalog, holder.Options{
		Dialer:      dialer,
		CacheMode:   cfg.Cache.Mode,
		CacheDir:    cfg.Cache.Dir,
		DefaultTTL:  cfg.Cache.DefaultTTL,
		MaxSpan:     cfg.Cache.MaxRegisterSpan,
		LockDir:     cfg.Lock.Dir,
		LockName:    cfg.Lock.Name,
		LockTimeout: cfg.Lock.Timeout,
		Retry: holder.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay,
		},
		Logger: logger,
	})
}
