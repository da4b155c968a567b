package types

import (
	"fmt"

	"github.com/google/uuid"
)

const DefaultLoggerPort = 8899

// DeviceDescriptor describes one physical inverter (its data logger endpoint)
type DeviceDescriptor struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Serial  int64     `json:"serial"`
	Port    int       `json:"port"`
	UnitID  uint8     `json:"unit_id"`
	Master  bool      `json:"master"`
}

func (d DeviceDescriptor) Endpoint() string {
	port := d.Port
	if port == 0 {
		port = DefaultLoggerPort
	}
	return fmt.Sprintf("%s:%d", d.Address, port)
}

// RegisterRequest is one contiguous block queued for the current polling cycle
type RegisterRequest struct {
	Address int `json:"address"`
	Length  int `json:"length"`
	TTL     int `json:"ttl"` // seconds
}

func (r RegisterRequest) End() int {
	return r.Address + r.Length
}

// CachedEntry holds raw words for one block, either fresh from the device or from the cache
type CachedEntry struct {
	Address int      `json:"address"`
	Length  int      `json:"length"`
	TTL     int      `json:"ttl"`
	Values  []uint16 `json:"values"`
}

func NewCachedEntry(address, length, ttl int, values []uint16) (CachedEntry, error) {
	if len(values) != length {
		return CachedEntry{}, fmt.Errorf("cached entry at %d: length %d does not match %d values", address, length, len(values))
	}

	data := make([]uint16, length)
	copy(data, values)

	return CachedEntry{
		Address: address,
		Length:  length,
		TTL:     ttl,
		Values:  data,
	}, nil
}

// Covers reports whether the entry holds every word of [address, address+length)
func (e CachedEntry) Covers(address, length int) bool {
	return address >= e.Address && address+length <= e.Address+e.Length
}
