package holder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives the snapshot of every finished poll
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type SinkFunc func(ctx context.Context, snap Snapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

type Poller struct {
	holder   *Holder
	interval time.Duration
	names    []string
	sinks    []Sink
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	lastErr  error
	mu       sync.Mutex
}

func NewPoller(holder *Holder, interval time.Duration, names []string, logger *zap.Logger, sinks ...Sink) *Poller {
	return &Poller{
		holder:   holder,
		interval: interval,
		names:    names,
		sinks:    sinks,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start polls once right away and then on every tick
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("Poller started",
		zap.Int("inverters", len(p.holder.Devices())),
		zap.Duration("interval", p.interval))

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Poller stopped")
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := p.holder.Do(ctx, func(ctx context.Context) error {
		return p.holder.ReadWithRetry(ctx, p.names...)
	})
	if err != nil {
		p.logger.Error("Poll failed", zap.Error(err))
	}

	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	snap := p.holder.Snapshot()
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			p.logger.Warn("Failed to publish snapshot", zap.Error(err))
		}
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastError is the outcome of the most recent poll
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
