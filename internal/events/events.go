// Package events carries sync triggers from their producers (file watcher,
// interval ticker, webhook) to the single consumer that acts on them.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is a sync trigger. It carries no payload beyond its kind.
type Event int

const (
	// Tick asks for remote changes to be pulled.
	Tick Event = iota
	// FileChange asks for local changes to be committed and pushed.
	FileChange
)

func (e Event) String() string {
	switch e {
	case Tick:
		return "tick"
	case FileChange:
		return "file-change"
	default:
		return "unknown"
	}
}

// ErrBusClosed is returned by Send once the consumer has detached.
var ErrBusClosed = errors.New("event bus closed")

// Sender is the producer side of a Bus
type Sender interface {
	Send(ctx context.Context, e Event) error
}

// Bus is an ordered multi-producer, single-consumer channel of events.
// Events are never dropped: Send blocks until the consumer receives the event
// or detaches.
type Bus struct {
	ch         chan Event
	done       chan struct{}
	detachOnce sync.Once

	// mu is held shared by every Send and exclusively by Close, so ch is
	// never closed under a sender.
	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus holding up to buffer undelivered events.
func NewBus(buffer int) *Bus {
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Send enqueues e. It fails with ErrBusClosed after Detach or Close and with
// the context error if ctx ends first.
func (b *Bus) Send(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	// Detach wins over a free buffer slot.
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.ch <- e:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close ends the stream for the consumer once in-flight sends have finished.
// Events already buffered are still delivered; later sends fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Detach marks the consumer as gone; blocked and future sends fail.
func (b *Bus) Detach() {
	b.detachOnce.Do(func() { close(b.done) })
}

// RunTicker sends a Tick every period, the first one period after start.
// It returns nil when ctx ends or the bus is closed.
func RunTicker(ctx context.Context, period time.Duration, bus Sender) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := bus.Send(ctx, Tick); err != nil {
				return nil
			}
		}
	}
}
