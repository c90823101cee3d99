package bus

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestRefcounts(t *testing.T) {
	r := newRefcounts()

	assert.True(t, r.inc("chat"), "first reference registers the pattern")
	assert.False(t, r.inc("chat"))
	assert.False(t, r.inc("chat"))

	assert.False(t, r.dec("chat"))
	assert.False(t, r.dec("chat"))
	assert.True(t, r.dec("chat"), "last reference releases the pattern")

	assert.False(t, r.dec("chat"), "extra unsubscribes are no-ops")
	assert.False(t, r.dec("never-subscribed"))

	// The cycle restarts cleanly.
	assert.True(t, r.inc("chat"))
}
