package bus

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDisconnectedNATS builds a NATSBus without a broker connection so the
// delivery bridge can be exercised in isolation.
func newDisconnectedNATS() *NATSBus {
	return &NATSBus{
		refs:   newRefcounts(),
		logger: testLogger(),
		subs:   make(map[string]*nats.Subscription),
		msgs:   make(chan Message, 4),
	}
}

func TestNATSDeliverBridgesMessages(t *testing.T) {
	b := newDisconnectedNATS()

	b.deliver("chat.update", []byte(`{"id":"m1"}`))

	select {
	case msg := <-b.msgs:
		assert.Equal(t, "chat.update", msg.Channel)
		assert.Equal(t, `{"id":"m1"}`, string(msg.Payload))
	default:
		t.Fatal("message was not bridged")
	}
}

func TestNATSDeliverShedsWhenBufferFull(t *testing.T) {
	b := newDisconnectedNATS()

	for i := 0; i < cap(b.msgs)+2; i++ {
		b.deliver("chat.update", []byte("x"))
	}
	assert.Len(t, b.msgs, cap(b.msgs))
}

func TestNATSDeliverAfterCloseDoesNotPanic(t *testing.T) {
	b := newDisconnectedNATS()
	require.NotPanics(t, func() {
		// The same sequence Close runs on the guarded state: mark closed,
		// then close the channel. A straggling subscription callback
		// arriving afterwards must be dropped, not sent.
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.mu.Lock()
		close(b.msgs)
		b.mu.Unlock()

		b.deliver("chat.update", []byte("late"))
	})
}
