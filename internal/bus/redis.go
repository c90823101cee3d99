package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pennomi/pastry/channel"
)

// RedisBus speaks Redis pub/sub. Pattern subscriptions use PSUBSCRIBE
// `target.*`; go-redis surfaces only payload events on PubSub.Channel, so
// psubscribe/punsubscribe confirmation frames never reach the servers.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	refs   *refcounts
	logger zerolog.Logger

	msgs   chan Message
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedis connects to the broker and starts the blocking receive loop.
func NewRedis(opts Options, logger zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: opts.RedisAddr,
		DB:   opts.RedisDB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis bus: %w", err)
	}

	b := &RedisBus{
		client: client,
		// Subscriptions are added per target as servers ask for them.
		pubsub: client.PSubscribe(ctx),
		refs:   newRefcounts(),
		logger: logger,
		msgs:   make(chan Message, inboundBuffer),
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.receive(ctx)

	logger.Info().
		Str("addr", opts.RedisAddr).
		Int("db", opts.RedisDB).
		Msg("Connected to Redis bus")
	return b, nil
}

// receive bridges the broker connection into the adapter's message channel.
// No polling: PubSub.Channel blocks until the broker has something.
func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.msgs)

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.msgs <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				b.logger.Warn().
					Str("channel", msg.Channel).
					Msg("Inbound bus buffer full, dropping message")
			}
		}
	}
}

func (b *RedisBus) Subscribe(target string) error {
	if !b.refs.inc(target) {
		return nil
	}
	if err := b.pubsub.PSubscribe(context.Background(), channel.Pattern(target)); err != nil {
		b.refs.dec(target)
		return fmt.Errorf("redis bus: psubscribe %s: %w", target, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(target string) error {
	if !b.refs.dec(target) {
		return nil
	}
	if err := b.pubsub.PUnsubscribe(context.Background(), channel.Pattern(target)); err != nil {
		return fmt.Errorf("redis bus: punsubscribe %s: %w", target, err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis bus: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Messages() <-chan Message { return b.msgs }

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.cancel()
	b.wg.Wait()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
