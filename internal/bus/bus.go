// Package bus isolates the internal pub/sub broker behind a small adapter.
// Servers see pattern subscriptions on message targets, fire-and-forget
// publishes and one stream of inbound messages; which broker actually moves
// the bytes (Redis, NATS, or the in-process broker used by tests and the
// MultiServer development mode) is a configuration detail.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Message is one payload event delivered to a matching subscription.
// Broker bookkeeping frames (subscribe/unsubscribe confirmations) never
// surface here.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the adapter contract shared by every driver.
//
// Subscribe and Unsubscribe are refcounted per target: subscribing twice to
// the same target needs two unsubscribes before the broker pattern is
// actually dropped, so two zones sharing an agent cannot starve each other.
// Unsubscribing a target that was never subscribed is a no-op.
type Bus interface {
	// Subscribe registers the pattern `target.*` with the broker.
	Subscribe(target string) error
	// Unsubscribe drops one reference to target, releasing the broker
	// pattern when the last reference goes.
	Unsubscribe(target string) error
	// Publish sends payload on channel. Best-effort, no ack.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Messages is the inbound stream. Each driver feeds it from a blocking
	// receive loop in its own goroutine; the channel closes on Close.
	Messages() <-chan Message
	// Close tears down the broker connection.
	Close() error
}

// Driver names accepted by New.
const (
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverMemory = "memory"
)

// Options selects and configures a driver.
type Options struct {
	Driver    string
	RedisAddr string
	RedisDB   int
	NATSURL   string
	// Broker backs the memory driver; every server of one process must
	// share the same instance.
	Broker *Broker
}

// New builds the configured driver.
func New(opts Options, logger zerolog.Logger) (Bus, error) {
	switch opts.Driver {
	case DriverRedis:
		return NewRedis(opts, logger)
	case DriverNATS:
		return NewNATS(opts, logger)
	case DriverMemory:
		if opts.Broker == nil {
			return nil, fmt.Errorf("bus: memory driver requires a shared broker")
		}
		return opts.Broker.Connect(), nil
	}
	return nil, fmt.Errorf("bus: unknown driver %q", opts.Driver)
}

// inboundBuffer sizes every driver's message channel. Bus delivery is
// best-effort; a consumer that falls this far behind starts shedding.
const inboundBuffer = 1024

// refcounts tracks pattern subscriptions per target.
type refcounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRefcounts() *refcounts {
	return &refcounts{counts: make(map[string]int)}
}

// inc adds a reference, reporting whether this is the first one (the broker
// pattern must be registered).
func (r *refcounts) inc(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[target]++
	return r.counts[target] == 1
}

// dec drops a reference, reporting whether the last one went (the broker
// pattern must be released). Unknown targets report false.
func (r *refcounts) dec(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[target]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.counts, target)
		return true
	}
	r.counts[target] = n - 1
	return false
}
