package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus speaks NATS. Channel strings are valid subjects as-is; the
// subscription pattern for a target is `target.>` because channels carry two
// or three tokens and the NATS `*` wildcard matches exactly one.
type NATSBus struct {
	conn   *nats.Conn
	refs   *refcounts
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool

	msgs chan Message
}

var _ Bus = (*NATSBus)(nil)

// NewNATS connects to the broker with the reconnect behavior tuned for a
// long-lived server process.
func NewNATS(opts Options, logger zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{
		refs:   newRefcounts(),
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
		msgs:   make(chan Message, inboundBuffer),
	}

	conn, err := nats.Connect(opts.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(250*time.Millisecond, time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Disconnected from NATS bus")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS bus")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS bus error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats bus: %w", err)
	}
	b.conn = conn

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS bus")
	return b, nil
}

func (b *NATSBus) Subscribe(target string) error {
	if !b.refs.inc(target) {
		return nil
	}

	sub, err := b.conn.Subscribe(target+".>", func(msg *nats.Msg) {
		b.deliver(msg.Subject, msg.Data)
	})
	if err != nil {
		b.refs.dec(target)
		return fmt.Errorf("nats bus: subscribe %s: %w", target, err)
	}

	b.mu.Lock()
	b.subs[target] = sub
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) Unsubscribe(target string) error {
	if !b.refs.dec(target) {
		return nil
	}

	b.mu.Lock()
	sub, ok := b.subs[target]
	delete(b.subs, target)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats bus: unsubscribe %s: %w", target, err)
	}
	return nil
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats bus: publish %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Messages() <-chan Message { return b.msgs }

// deliver bridges one subscription callback into the message channel. The
// closed check and the send share the mutex with Close, so an in-flight
// callback can never hit the channel after it is closed.
func (b *NATSBus) deliver(subject string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.msgs <- Message{Channel: subject, Payload: data}:
	default:
		b.logger.Warn().
			Str("channel", subject).
			Msg("Inbound bus buffer full, dropping message")
	}
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.conn.Close()

	b.mu.Lock()
	close(b.msgs)
	b.mu.Unlock()
	return nil
}
