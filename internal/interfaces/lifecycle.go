package interfaces

import (
	"context"
	"time"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State       string    `json:"state"`
	Environment string    `json:"environment"`
	SystemType  string    `json:"system_type"`
	DeviceCount int       `json:"device_count"`
	Master      string    `json:"master,omitempty"`
	Polling     bool      `json:"polling"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type LifecycleManager interface {
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
