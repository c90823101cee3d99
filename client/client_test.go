package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennomi/pastry/agent"
	"github.com/pennomi/pastry/internal/bus"
	"github.com/pennomi/pastry/internal/logging"
	"github.com/pennomi/pastry/object"
	"github.com/pennomi/pastry/zone"
)

const waitFor = 2 * time.Second

func messageRegistry() *object.Registry {
	return object.MustRegistry(
		object.NewSchema("message", object.Field{Name: "text", Kind: object.KindString}),
	)
}

// fabric is a full in-process deployment: one agent, one lobby zone, one
// shared broker.
type fabric struct {
	addr   string
	broker *bus.Broker
	zone   *zone.Zone
	zoneE  *zoneEvents
}

type zoneEvents struct {
	created chan *object.Object
	updated chan *object.Object
	deleted chan *object.Object
	called  chan string
}

func startFabric(t *testing.T, setup func(ctx context.Context, z *zone.Zone) error) *fabric {
	t.Helper()

	broker := bus.NewBroker()
	logger := logging.Discard()

	ze := &zoneEvents{
		created: make(chan *object.Object, 16),
		updated: make(chan *object.Object, 16),
		deleted: make(chan *object.Object, 16),
		called:  make(chan string, 16),
	}
	z := zone.New("lobby", messageRegistry(), broker.Connect(), zone.Hooks{
		Setup:         setup,
		ObjectCreated: func(o *object.Object) { ze.created <- o },
		ObjectUpdated: func(o *object.Object) { ze.updated <- o },
		ObjectDeleted: func(o *object.Object) { ze.deleted <- o },
		Call: func(_ context.Context, _ *zone.Zone, name string, payload []byte) error {
			ze.called <- name + "|" + string(payload)
			return nil
		},
	}, logger)
	require.NoError(t, z.Startup(context.Background()))

	a := agent.New(agent.Config{Addr: "127.0.0.1:0"}, broker.Connect(), nil, logger)
	require.NoError(t, a.Startup(context.Background()))

	t.Cleanup(func() {
		ctx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()
		_ = a.Shutdown(ctx)
		_ = z.Shutdown(ctx)
	})
	return &fabric{addr: a.Addr().String(), broker: broker, zone: z, zoneE: ze}
}

type replicaEvents struct {
	created chan *object.Object
	updated chan *object.Object
	deleted chan *object.Object
	joined  chan string
	left    chan string
}

func connect(t *testing.T, f *fabric) (*Client, *replicaEvents) {
	t.Helper()
	e := &replicaEvents{
		created: make(chan *object.Object, 16),
		updated: make(chan *object.Object, 16),
		deleted: make(chan *object.Object, 16),
		joined:  make(chan string, 16),
		left:    make(chan string, 16),
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Connect(ctx, Config{
		Addr:     f.addr,
		Registry: messageRegistry(),
		Callbacks: object.Callbacks{
			Created: func(o *object.Object) { e.created <- o },
			Updated: func(o *object.Object) { e.updated <- o },
			Deleted: func(o *object.Object) { e.deleted <- o },
		},
		PeerJoined: func(_, clientID string) { e.joined <- clientID },
		PeerLeft:   func(_, clientID string) { e.left <- clientID },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, e
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func assertSilent[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectAssignsID(t *testing.T) {
	f := startFabric(t, nil)
	first, _ := connect(t, f)
	second, _ := connect(t, f)
	assert.NotEmpty(t, first.ID())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestJoinReceivesStateSync(t *testing.T) {
	f := startFabric(t, func(ctx context.Context, z *zone.Zone) error {
		if _, err := z.Create(ctx, "message", map[string]any{"id": "m1", "text": "first"}); err != nil {
			return err
		}
		_, err := z.Create(ctx, "message", map[string]any{"id": "m2", "text": "second"})
		return err
	})
	c, e := connect(t, f)

	require.NoError(t, c.Join("lobby"))

	first := recv(t, e.created, "first synced object")
	assert.Equal(t, "m1", first.ID())
	assert.Equal(t, "first", first.Get("text"))

	second := recv(t, e.created, "second synced object")
	assert.Equal(t, "m2", second.ID())

	assert.Equal(t, 2, c.Store().Len())
}

func TestSaveCreateReachesZoneAndPeers(t *testing.T) {
	f := startFabric(t, nil)
	author, authorE := connect(t, f)
	observer, observerE := connect(t, f)

	require.NoError(t, author.Join("lobby"))
	require.NoError(t, observer.Join("lobby"))
	recv(t, authorE.joined, "own join echo")
	recv(t, observerE.joined, "own join echo")

	o, err := author.New("lobby", "message", map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.NoError(t, author.Save(o))

	// Local replica applies immediately.
	local := recv(t, authorE.created, "local create")
	assert.Equal(t, o.ID(), local.ID())
	assert.Equal(t, author.ID(), local.Owner())

	// The authoritative zone stores it.
	stored := recv(t, f.zoneE.created, "zone create")
	assert.Equal(t, o.ID(), stored.ID())
	assert.Equal(t, "hello", stored.Get("text"))

	// Another zone member replicates it.
	replica := recv(t, observerE.created, "observer create")
	assert.Equal(t, o.ID(), replica.ID())

	// The author's own echo must not fire a second create.
	assertSilent(t, authorE.created, "duplicate create")
	assert.Equal(t, 1, author.Store().Len())
}

func TestSaveUpdatePropagates(t *testing.T) {
	f := startFabric(t, func(ctx context.Context, z *zone.Zone) error {
		_, err := z.Create(ctx, "message", map[string]any{"id": "m1", "text": "old"})
		return err
	})
	c, e := connect(t, f)

	require.NoError(t, c.Join("lobby"))
	replica := recv(t, e.created, "state sync")
	require.Equal(t, "m1", replica.ID())

	require.NoError(t, replica.Set("text", "new"))
	require.NoError(t, c.Save(replica))

	// Applies locally first, then at the zone.
	local := recv(t, e.updated, "local update")
	assert.Equal(t, "new", local.Get("text"))

	updated := recv(t, f.zoneE.updated, "zone update")
	assert.Equal(t, "new", updated.Get("text"))

	assertSilent(t, e.updated, "duplicate update from echo")
}

func TestSaveDeletePropagates(t *testing.T) {
	f := startFabric(t, func(ctx context.Context, z *zone.Zone) error {
		_, err := z.Create(ctx, "message", map[string]any{"id": "m1"})
		return err
	})
	c, e := connect(t, f)

	require.NoError(t, c.Join("lobby"))
	replica := recv(t, e.created, "state sync")

	peer := f.broker.Connect()
	require.NoError(t, peer.Subscribe("lobby"))

	replica.MarkDeleted()
	require.NoError(t, c.Save(replica))

	recv(t, e.deleted, "local delete")
	deleted := recv(t, f.zoneE.deleted, "zone delete")
	assert.Equal(t, "m1", deleted.ID())
	assert.Equal(t, 0, c.Store().Len())
	assert.Equal(t, 0, f.zone.Store().Len())

	// The delete frame routes like any other diff: id plus zone.
	select {
	case msg := <-peer.Messages():
		assert.Equal(t, "lobby.delete", msg.Channel)
		assert.JSONEq(t, `{"id":"m1","zone":"lobby"}`, string(msg.Payload))
	case <-time.After(waitFor):
		t.Fatal("delete never reached the bus")
	}
}

func TestCallReachesZone(t *testing.T) {
	f := startFabric(t, nil)
	c, _ := connect(t, f)

	require.NoError(t, c.Call("lobby", "shout", []byte(`{"volume":11}`)))
	assert.Equal(t, `shout|{"volume":11}`, recv(t, f.zoneE.called, "call"))
}

func TestPeerJoinAndLeaveCallbacks(t *testing.T) {
	f := startFabric(t, nil)
	watcher, watcherE := connect(t, f)
	require.NoError(t, watcher.Join("lobby"))
	recv(t, watcherE.joined, "own join echo")

	peer, _ := connect(t, f)
	require.NoError(t, peer.Join("lobby"))
	assert.Equal(t, peer.ID(), recv(t, watcherE.joined, "peer join"))

	require.NoError(t, peer.Close())
	assert.Equal(t, peer.ID(), recv(t, watcherE.left, "peer leave"))
}

func TestCloseUnblocksDone(t *testing.T) {
	f := startFabric(t, nil)
	c, _ := connect(t, f)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("done channel never closed")
	}

	assert.ErrorIs(t, c.Join("lobby"), ErrClosed)
}

func TestWhisperedUpdateAppliesToReplica(t *testing.T) {
	f := startFabric(t, func(ctx context.Context, z *zone.Zone) error {
		_, err := z.Create(ctx, "message", map[string]any{"id": "m1", "text": "hello"})
		return err
	})
	c, e := connect(t, f)

	require.NoError(t, c.Join("lobby"))
	recv(t, e.created, "state sync")

	// A whisper is a targeted update diff for an object the client holds.
	f.zone.Whisper(context.Background(), c.ID(), []byte(`{"id":"m1","zone":"lobby","text":"psst"}`))

	updated := recv(t, e.updated, "whispered update")
	assert.Equal(t, "psst", updated.Get("text"))
	// Nothing else replicated it; the whisper stayed private.
	assert.Equal(t, 1, c.Store().Len())
}

// TestPartialFrameReassembly serves the client from a bare listener that
// splits one downstream frame across two writes. The tail of the first read
// must survive until the second completes it.
func TestPartialFrameReassembly(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	frame := `{"channel":"c1.create.message","data":"{\"id\":\"m1\",\"zone\":\"lobby\",\"text\":\"hi\"}"}` + "\n"
	split := len(frame) / 2

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		if _, err := conn.Write([]byte("c1\n")); err != nil {
			return
		}
		if _, err := conn.Write([]byte(frame[:split])); err != nil {
			return
		}
		// Let the first chunk land as its own read before finishing the line.
		time.Sleep(100 * time.Millisecond)
		_, _ = conn.Write([]byte(frame[split:]))
	}()

	created := make(chan *object.Object, 1)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Connect(ctx, Config{
		Addr:     listener.Addr().String(),
		Registry: messageRegistry(),
		Callbacks: object.Callbacks{
			Created: func(o *object.Object) { created <- o },
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	o := recv(t, created, "create from split frame")
	assert.Equal(t, "m1", o.ID())
	assert.Equal(t, "hi", o.Get("text"))
}
