package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

const (
	TransportTCP = "tcp"
	TransportRTU = "rtu"
)

// Transport performs single contiguous register conversations with one device
type Transport interface {
	Connect(ctx context.Context) error
	ReadHoldingRegisters(ctx context.Context, address, quantity int) ([]uint16, error)
	WriteMultipleRegisters(ctx context.Context, address int, values []uint16) (int, error)
	Close() error
}

// Dialer builds a transport for a device; connection happens lazily on first use
type Dialer func(device types.DeviceDescriptor) Transport

type TransportConfig struct {
	Kind     string
	Timeout  time.Duration
	Serial   string
	BaudRate int
}

func NewDialer(cfg TransportConfig) (Dialer, error) {
	switch cfg.Kind {
	case TransportTCP, "":
		return func(device types.DeviceDescriptor) Transport {
			h := modbus.NewTCPClientHandler(device.Endpoint())
			h.Timeout = cfg.Timeout
			h.SlaveId = device.UnitID
			return newHandlerTransport(h)
		}, nil
	case TransportRTU:
		if cfg.Serial == "" {
			return nil, errors.New("rtu transport: serial device required")
		}
		return func(device types.DeviceDescriptor) Transport {
			h := modbus.NewRTUClientHandler(cfg.Serial)
			h.BaudRate = cfg.BaudRate
			h.DataBits = 8
			h.Parity = "N"
			h.StopBits = 1
			h.SlaveId = device.UnitID
			h.Timeout = cfg.Timeout
			return newHandlerTransport(h)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Kind)
	}
}

type connector interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// handlerTransport adapts a goburrow client handler to Transport
type handlerTransport struct {
	mu        sync.Mutex
	handler   connector
	client    modbus.Client
	connected bool
}

func newHandlerTransport(h connector) *handlerTransport {
	return &handlerTransport{
		handler: h,
		client:  modbus.NewClient(h),
	}
}

func (t *handlerTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := t.handler.Connect(); err != nil {
		return classify(fmt.Errorf("connection failed: %w", err))
	}

	t.connected = true
	return nil
}

func (t *handlerTransport) ReadHoldingRegisters(ctx context.Context, address, quantity int) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := t.client.ReadHoldingRegisters(uint16(address), uint16(quantity))
	if err != nil {
		t.reset()
		return nil, classify(fmt.Errorf("read %d+%d failed: %w", address, quantity, err))
	}

	if len(raw) != quantity*2 {
		return nil, fmt.Errorf("read %d+%d: expected %d bytes, got %d", address, quantity, quantity*2, len(raw))
	}

	return unpackRegisters(raw), nil
}

func (t *handlerTransport) WriteMultipleRegisters(ctx context.Context, address int, values []uint16) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	raw, err := t.client.WriteMultipleRegisters(uint16(address), uint16(len(values)), packRegisters(values))
	if err != nil {
		t.reset()
		return 0, classify(fmt.Errorf("write %d+%d failed: %w", address, len(values), err))
	}

	if len(raw) < 2 {
		return 0, fmt.Errorf("write %d: short response", address)
	}

	return int(binary.BigEndian.Uint16(raw)), nil
}

func (t *handlerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false
	return t.handler.Close()
}

// reset drops a connection that failed mid-conversation; the next call reconnects
func (t *handlerTransport) reset() {
	if t.connected {
		t.handler.Close()
		t.connected = false
	}
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}

func unpackRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return out
}

// classify marks connectivity failures as ErrNoSocketAvailable so callers can retry them
func classify(err error) error {
	if err == nil || errors.Is(err, types.ErrNoSocketAvailable) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		strings.Contains(err.Error(), "timeout"),
		strings.Contains(err.Error(), "timed out"):
		return fmt.Errorf("%w: %w", types.ErrNoSocketAvailable, err)
	}

	return err
}
