package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// Config holds event bus configuration.
type Config struct {
	BufferSize int
}

// DefaultConfig returns the default event bus configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// Bus delivers snapshots to consumers on a single worker goroutine so every
// consumer sees them in publish order. Publishing never blocks; when the
// buffer is full the snapshot is dropped and counted.
type Bus struct {
	eventChan chan pipeline.Snapshot

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	stopped atomic.Bool
	mu      sync.Mutex

	consumers []Consumer

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	logger logger.Logger
}

// New creates a bus. The worker starts with the first registered consumer.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		eventChan: make(chan pipeline.Snapshot, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    GetLogger(),
	}
	b.logger.Debug("event bus initialized", logger.Int("buffer_size", cfg.BufferSize))
	return b
}

// RegisterConsumer adds a consumer. Names must be unique.
func (b *Bus) RegisterConsumer(c Consumer) error {
	if b.stopped.Load() {
		return fmt.Errorf("event bus is shut down")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("consumer %s already registered", c.Name())
		}
	}
	b.consumers = append(b.consumers, c)
	b.logger.Info("registered event consumer", logger.String("consumer", c.Name()))

	if !b.running.Swap(true) {
		b.wg.Add(1)
		go b.worker()
	}
	return nil
}

// TryPublish queues s without blocking and reports whether it was accepted.
func (b *Bus) TryPublish(s pipeline.Snapshot) bool {
	if !b.running.Load() || b.stopped.Load() {
		return false
	}
	select {
	case b.eventChan <- s:
		b.received.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Debug("event dropped due to full buffer",
			logger.Uint64("seq", s.Seq),
			logger.String("reason", string(s.Reason)))
		return false
	}
}

// Notify implements pipeline.Notifier.
func (b *Bus) Notify(s pipeline.Snapshot) { b.TryPublish(s) }

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			// deliver what was accepted before shutdown
			for {
				select {
				case s := <-b.eventChan:
					b.process(s)
				default:
					return
				}
			}
		case s := <-b.eventChan:
			b.process(s)
		}
	}
}

func (b *Bus) process(s pipeline.Snapshot) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.errors.Add(1)
					b.logger.Error("consumer panicked",
						logger.String("consumer", c.Name()),
						logger.Any("panic", r),
						logger.Uint64("seq", s.Seq))
				}
			}()

			if err := c.ProcessEvent(s); err != nil {
				b.errors.Add(1)
				b.logger.Error("consumer error",
					logger.String("consumer", c.Name()),
					logger.Error(err),
					logger.Uint64("seq", s.Seq))
				return
			}
			b.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting snapshots, delivers the queued ones and waits
// for the worker at most timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b.stopped.Swap(true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("event bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsReceived:  b.received.Load(),
		EventsProcessed: b.processed.Load(),
		EventsDropped:   b.dropped.Load(),
		ConsumerErrors:  b.errors.Load(),
	}
}

// GetLogger returns the events module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("events")
}
