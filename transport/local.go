package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing through a closed transporter.
var ErrClosed = errors.New("transport: closed")

// LocalBus connects transporters living in the same process. Delivery is
// synchronous and includes the publishing node; brokers drop their own events.
type LocalBus struct {
	mu    sync.RWMutex
	nodes map[*LocalTransporter]Handler
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{nodes: make(map[*LocalTransporter]Handler)}
}

// Transporter returns a new transporter attached to the bus.
func (b *LocalBus) Transporter() *LocalTransporter {
	return &LocalTransporter{bus: b}
}

func (b *LocalBus) deliver(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.nodes))
	for _, h := range b.nodes {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
}

// LocalTransporter is one node's view of a LocalBus.
type LocalTransporter struct {
	bus    *LocalBus
	mu     sync.Mutex
	closed bool
}

// Publish delivers evt to every subscribed node on the bus.
func (t *LocalTransporter) Publish(ctx context.Context, evt Event) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	// round-trip through the codec so local delivery matches the wire transports
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}

	t.bus.deliver(ctx, decoded)
	return nil
}

// Subscribe registers handler for events published on the bus.
func (t *LocalTransporter) Subscribe(ctx context.Context, handler Handler) error {
	t.bus.mu.Lock()
	t.bus.nodes[t] = handler
	t.bus.mu.Unlock()
	return nil
}

// Close detaches the transporter from the bus.
func (t *LocalTransporter) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.bus.mu.Lock()
	delete(t.bus.nodes, t)
	t.bus.mu.Unlock()
	return nil
}
