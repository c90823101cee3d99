// Package zone implements the authoritative server for one zone: the owner
// of every object whose zone field names it. A zone consumes the mutation
// traffic published on its channel, applies it to its store, and answers
// joins by syncing its full state to the newcomer's private channel.
//
// Mutations originated by the zone itself apply locally first and then
// publish; the reflected copy coming back off the bus is a no-op because the
// store only fires callbacks on effective change.
package zone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pennomi/pastry/channel"
	"github.com/pennomi/pastry/internal/bus"
	"github.com/pennomi/pastry/internal/logging"
	"github.com/pennomi/pastry/internal/metrics"
	"github.com/pennomi/pastry/object"
)

// globalTarget is the fabric-wide broadcast channel every server listens on.
const globalTarget = "global"

// Hooks are the application-level extension points. All are optional.
//
// Object hooks fire on effective mutations only, never for reflected copies
// of the zone's own publishes. They run on the zone's message loop, so a
// slow hook backpressures the whole zone.
type Hooks struct {
	// Setup runs once during Startup, before the message loop starts.
	// Seed initial objects here.
	Setup func(ctx context.Context, z *Zone) error

	ObjectCreated func(*object.Object)
	ObjectUpdated func(*object.Object)
	ObjectDeleted func(*object.Object)

	// ClientConnected fires when a client joins the zone, after the state
	// sync has been queued. ClientDisconnected fires on leave, explicit or
	// by disconnect.
	ClientConnected    func(clientID string)
	ClientDisconnected func(clientID string)

	// Call handles `zone.call.<name>` messages. Without it, calls are
	// dropped with a log.
	Call func(ctx context.Context, z *Zone, name string, payload []byte) error
}

// Zone is one authoritative zone server.
type Zone struct {
	id       string
	registry *object.Registry
	store    *object.Store
	bus      bus.Bus
	logger   zerolog.Logger
	hooks    Hooks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a zone server over the given bus connection. Each zone needs
// its own connection; sharing one with another server would tangle their
// subscription refcounts and message streams.
func New(id string, registry *object.Registry, b bus.Bus, hooks Hooks, logger zerolog.Logger) *Zone {
	z := &Zone{
		id:       id,
		registry: registry,
		bus:      b,
		logger:   logger.With().Str("zone", id).Logger(),
		hooks:    hooks,
	}
	z.store = object.NewStore(object.Callbacks{
		Created: func(o *object.Object) {
			metrics.StoreObjects.WithLabelValues(z.id).Inc()
			if hooks.ObjectCreated != nil {
				hooks.ObjectCreated(o)
			}
		},
		Updated: hooks.ObjectUpdated,
		Deleted: func(o *object.Object) {
			metrics.StoreObjects.WithLabelValues(z.id).Dec()
			if hooks.ObjectDeleted != nil {
				hooks.ObjectDeleted(o)
			}
		},
	})
	return z
}

// ID returns the zone id, which is also its channel target.
func (z *Zone) ID() string { return z.id }

// Store exposes the zone's object store. Mutating objects fetched from it
// takes effect on the fabric only through Save.
func (z *Zone) Store() *object.Store { return z.store }

// Startup subscribes the zone's channels, runs the Setup hook and starts
// the message loop.
func (z *Zone) Startup(ctx context.Context) error {
	if err := z.bus.Subscribe(z.id); err != nil {
		return fmt.Errorf("zone %s: %w", z.id, err)
	}
	if err := z.bus.Subscribe(globalTarget); err != nil {
		return fmt.Errorf("zone %s: %w", z.id, err)
	}

	if z.hooks.Setup != nil {
		if err := z.hooks.Setup(ctx, z); err != nil {
			return fmt.Errorf("zone %s: setup: %w", z.id, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	z.cancel = cancel
	z.wg.Add(1)
	go z.loop(loopCtx)

	z.logger.Info().Int("objects", z.store.Len()).Msg("Zone serving")
	return nil
}

// Shutdown stops the message loop.
func (z *Zone) Shutdown(ctx context.Context) error {
	z.logger.Info().Msg("Zone shutting down")
	if z.cancel != nil {
		z.cancel()
	}
	done := make(chan struct{})
	go func() {
		z.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (z *Zone) loop(ctx context.Context) {
	defer z.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-z.bus.Messages():
			if !ok {
				return
			}
			metrics.BusDelivered.Inc()
			z.dispatch(ctx, msg)
		}
	}
}

func (z *Zone) dispatch(ctx context.Context, msg bus.Message) {
	defer logging.RecoverPanic(z.logger, "dispatch")

	ch, err := channel.Parse(msg.Channel)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonBadChannel).Inc()
		z.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Bad channel from bus")
		return
	}

	switch ch.Method {
	case channel.MethodCreate:
		z.handleCreate(ch, msg.Payload)
	case channel.MethodUpdate:
		z.handleUpdate(msg.Payload)
	case channel.MethodDelete:
		z.handleDelete(msg.Payload)
	case channel.MethodCall:
		z.handleCall(ctx, ch, msg.Payload)
	case channel.MethodJoin:
		z.handleJoin(ctx, string(msg.Payload))
	case channel.MethodLeave:
		if z.hooks.ClientDisconnected != nil {
			z.hooks.ClientDisconnected(string(msg.Payload))
		}
	}
}

func (z *Zone) handleCreate(ch channel.Channel, payload []byte) {
	schema, err := z.registry.Lookup(ch.CodeName)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonUnknownClass).Inc()
		z.logger.Warn().Err(err).Str("channel", ch.String()).Msg("Create for unregistered class")
		return
	}
	o, err := object.Decode(schema, payload)
	if err != nil {
		z.logger.Warn().Err(err).Str("channel", ch.String()).Msg("Undecodable create payload")
		return
	}
	// Reflected copies of the zone's own creates merge silently here.
	z.store.Create(o)
}

func (z *Zone) handleUpdate(payload []byte) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		z.logger.Warn().Err(err).Msg("Undecodable update payload")
		return
	}
	if err := z.store.Update(fields); err != nil {
		if errors.Is(err, object.ErrNotFound) {
			metrics.DroppedMessages.WithLabelValues(metrics.ReasonNotFound).Inc()
			z.logger.Debug().Err(err).Msg("Update for unknown object dropped")
			return
		}
		z.logger.Warn().Err(err).Msg("Update rejected")
	}
}

func (z *Zone) handleDelete(payload []byte) {
	var fields struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.ID == "" {
		z.logger.Warn().Msg("Delete payload without id")
		return
	}
	if err := z.store.Delete(fields.ID); err != nil {
		// The zone's own deletes reflect back here after the local removal.
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonNotFound).Inc()
		z.logger.Debug().Err(err).Msg("Delete for unknown object dropped")
	}
}

func (z *Zone) handleCall(ctx context.Context, ch channel.Channel, payload []byte) {
	if z.hooks.Call == nil {
		z.logger.Warn().Str("name", ch.CodeName).Msg("Call without handler dropped")
		return
	}
	if err := z.hooks.Call(ctx, z, ch.CodeName, payload); err != nil {
		z.logger.Error().Err(err).Str("name", ch.CodeName).Msg("Call handler failed")
	}
}

// handleJoin syncs the zone's full state to the joining client's private
// channel, one create per object in insertion order.
func (z *Zone) handleJoin(ctx context.Context, clientID string) {
	if clientID == "" {
		z.logger.Warn().Msg("Join without client id")
		return
	}
	z.logger.Info().Str("client_id", clientID).Msg("Syncing state to joining client")

	// The hook runs before the dump, so anything it publishes for the
	// newcomer is delivered ahead of the sync creates.
	if z.hooks.ClientConnected != nil {
		z.hooks.ClientConnected(clientID)
	}

	for _, o := range z.store.All() {
		payload, err := o.Serialize(true)
		if err != nil {
			z.logger.Error().Err(err).Str("object_id", o.ID()).Msg("State sync serialize failed")
			continue
		}
		sync := channel.Channel{Target: clientID, Method: channel.MethodCreate, CodeName: o.CodeName()}
		z.publish(ctx, sync, payload)
	}
}

// Create instantiates an object of the named class in this zone and saves
// it to the fabric.
func (z *Zone) Create(ctx context.Context, codeName string, fields map[string]any) (*object.Object, error) {
	schema, err := z.registry.Lookup(codeName)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged[object.FieldZone] = z.id

	o, err := object.New(schema, merged)
	if err != nil {
		return nil, err
	}
	if err := z.Save(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Save pushes pending changes on each object to the fabric: a create for
// objects never saved, an update diff for live ones, a delete for objects
// marked deleted. Local state applies before the publish in every case.
func (z *Zone) Save(ctx context.Context, objects ...*object.Object) error {
	for _, o := range objects {
		if err := z.saveOne(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (z *Zone) saveOne(ctx context.Context, o *object.Object) error {
	switch {
	case o.Deleted():
		id := o.ID()
		if err := z.store.Delete(id); err != nil && !errors.Is(err, object.ErrNotFound) {
			return err
		}
		// Deletes carry id and zone like every other diff.
		payload, err := json.Marshal(map[string]string{object.FieldID: id, object.FieldZone: o.Zone()})
		if err != nil {
			return err
		}
		del := channel.Channel{Target: z.id, Method: channel.MethodDelete}
		z.publish(ctx, del, payload)

	case !o.Created():
		z.store.Create(o)
		payload, err := o.Serialize(true)
		if err != nil {
			return err
		}
		create := channel.Channel{Target: z.id, Method: channel.MethodCreate, CodeName: o.CodeName()}
		z.publish(ctx, create, payload)

	default:
		payload, err := o.Serialize(false)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return err
		}
		if err := z.store.Update(fields); err != nil && !errors.Is(err, object.ErrNotFound) {
			return err
		}
		o.Save()
		update := channel.Channel{Target: z.id, Method: channel.MethodUpdate}
		z.publish(ctx, update, payload)
	}
	return nil
}

// Whisper publishes an update straight to one client's private channel. The
// payload must be an update field map (at least `id` and `zone`) for an
// object the client already replicates; replicas drop anything else.
func (z *Zone) Whisper(ctx context.Context, clientID string, payload []byte) {
	ch := channel.Channel{Target: clientID, Method: channel.MethodUpdate}
	z.publish(ctx, ch, payload)
}

func (z *Zone) publish(ctx context.Context, ch channel.Channel, payload []byte) {
	if err := z.bus.Publish(ctx, ch.String(), payload); err != nil {
		z.logger.Error().Err(err).Str("channel", ch.String()).Msg("Bus publish failed")
		return
	}
	metrics.BusPublished.Inc()
}
