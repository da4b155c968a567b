// Package modbustest provides an in-memory device for tests.
package modbustest

import (
	"context"
	"sync"
)

type Call struct {
	Address  int
	Quantity int
}

// Transport is a fake device holding 16-bit words in memory
type Transport struct {
	mu        sync.Mutex
	words     map[int]uint16
	reads     []Call
	writes    []Call
	connected bool
	connects  int
	closes    int
	failed    int

	ConnectErr error
	ReadErr    error
	// ReadErrTimes limits ReadErr to the first n reads when > 0
	ReadErrTimes int
	WriteErr     error
	CloseErr     error
	// WriteAck overrides the acknowledged register count when > 0
	WriteAck int
}

func NewTransport(words map[int]uint16) *Transport {
	t := &Transport{words: make(map[int]uint16)}
	for addr, v := range words {
		t.words[addr] = v
	}
	return t
}

func (t *Transport) Set(address int, values ...uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range values {
		t.words[address+k] = v
	}
}

func (t *Transport) Word(address int) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.words[address]
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	t.connects++
	return nil
}

func (t *Transport) ReadHoldingRegisters(ctx context.Context, address, quantity int) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reads = append(t.reads, Call{Address: address, Quantity: quantity})
	if t.ReadErr != nil && (t.ReadErrTimes == 0 || t.failed < t.ReadErrTimes) {
		t.failed++
		return nil, t.ReadErr
	}

	out := make([]uint16, quantity)
	for k := range out {
		out[k] = t.words[address+k]
	}
	return out, nil
}

func (t *Transport) WriteMultipleRegisters(ctx context.Context, address int, values []uint16) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writes = append(t.writes, Call{Address: address, Quantity: len(values)})
	if t.WriteErr != nil {
		return 0, t.WriteErr
	}

	for k, v := range values {
		t.words[address+k] = v
	}
	if t.WriteAck > 0 {
		return t.WriteAck, nil
	}
	return len(values), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.closes++
	return t.CloseErr
}

func (t *Transport) Reads() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.reads...)
}

func (t *Transport) Writes() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.writes...)
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
