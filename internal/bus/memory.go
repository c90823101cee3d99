package bus

import (
	"context"
	"strings"
	"sync"
)

// Broker is an in-process pub/sub broker with the same pattern semantics the
// external brokers provide (`target.*` matches every channel whose first
// component is target). Tests use it to run agents and zones without any
// infrastructure, and the MultiServer development mode uses it to run a
// whole fabric in one process.
type Broker struct {
	mu    sync.RWMutex
	conns map[*MemoryBus]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*MemoryBus]struct{})}
}

// Connect attaches a new adapter to the broker.
func (b *Broker) Connect() *MemoryBus {
	m := &MemoryBus{
		broker: b,
		refs:   newRefcounts(),
		msgs:   make(chan Message, inboundBuffer),
	}
	b.mu.Lock()
	b.conns[m] = struct{}{}
	b.mu.Unlock()
	return m
}

func (b *Broker) publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for conn := range b.conns {
		conn.deliver(channel, payload)
	}
}

func (b *Broker) disconnect(m *MemoryBus) {
	b.mu.Lock()
	delete(b.conns, m)
	b.mu.Unlock()
}

// MemoryBus is one connection to an in-process Broker.
type MemoryBus struct {
	broker *Broker
	refs   *refcounts

	mu       sync.RWMutex
	patterns map[string]struct{}
	closed   bool

	msgs chan Message
}

var _ Bus = (*MemoryBus)(nil)

func (m *MemoryBus) Subscribe(target string) error {
	if m.refs.inc(target) {
		m.mu.Lock()
		if m.patterns == nil {
			m.patterns = make(map[string]struct{})
		}
		m.patterns[target] = struct{}{}
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryBus) Unsubscribe(target string) error {
	if m.refs.dec(target) {
		m.mu.Lock()
		delete(m.patterns, target)
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.broker.publish(channel, payload)
	return nil
}

func (m *MemoryBus) Messages() <-chan Message { return m.msgs }

func (m *MemoryBus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.broker.disconnect(m)
	close(m.msgs)
	return nil
}

// deliver routes a published message into this connection if any of its
// patterns match. Delivery is best-effort: a full inbound buffer sheds.
func (m *MemoryBus) deliver(channel string, payload []byte) {
	target := channel
	if i := strings.IndexByte(channel, '.'); i >= 0 {
		target = channel[:i]
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	if _, ok := m.patterns[target]; !ok {
		return
	}
	// Copy: subscribers must not observe a publisher reusing its buffer.
	dup := make([]byte, len(payload))
	copy(dup, payload)
	select {
	case m.msgs <- Message{Channel: channel, Payload: dup}:
	default:
	}
}
