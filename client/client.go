// Package client implements the application-side library for the fabric: a
// TCP connection to an agent plus a replica object store kept in sync by
// the downstream frame stream.
//
// The replica is eventually consistent. Saves apply locally first and then
// travel to the authoritative zone; the zone's echo merges silently into the
// local instance, so callbacks fire exactly once per effective change.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennomi/pastry/channel"
	"github.com/pennomi/pastry/internal/logging"
	"github.com/pennomi/pastry/object"
)

// ErrClosed is returned by operations on a client whose connection has
// ended.
var ErrClosed = errors.New("client closed")

// handshakeTimeout bounds the credential exchange when the caller's context
// carries no deadline.
const handshakeTimeout = 10 * time.Second

// Config wires up a connection.
type Config struct {
	// Addr is the agent's TCP address.
	Addr string
	// Credentials is the JSON object sent as the first line. May be empty
	// when the agent assigns anonymous ids.
	Credentials map[string]any
	// Registry declares the object classes this client understands.
	// Downstream creates for unregistered classes are dropped.
	Registry *object.Registry
	// Callbacks fire on effective replica mutations.
	Callbacks object.Callbacks
	// PeerJoined / PeerLeft observe other clients' zone membership.
	PeerJoined func(zoneID, clientID string)
	PeerLeft   func(zoneID, clientID string)
	// MaxPacketSize bounds one downstream frame. Zero means 16384.
	MaxPacketSize int
	Logger        *zerolog.Logger
}

// Client is one authenticated connection to an agent.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	store  *object.Store
	logger zerolog.Logger
	id     string

	writeMu sync.Mutex
	closing sync.Once
	done    chan struct{}
}

// Connect dials the agent, authenticates and starts the receive loop. The
// returned client's store fills as zone traffic arrives.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("client: registry required")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 16384
	}
	logger := logging.Discard()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.Addr, err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		store:  object.NewStore(cfg.Callbacks),
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	c.logger = c.logger.With().Str("client_id", c.id).Logger()

	go c.receiveLoop()
	return c, nil
}

// handshake sends the credential line and reads back the assigned id.
func (c *Client) handshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	credentials := c.cfg.Credentials
	if credentials == nil {
		credentials = map[string]any{}
	}
	line, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("client: credentials: %w", err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("client: send credentials: %w", err)
	}

	reader := bufio.NewReaderSize(c.conn, c.cfg.MaxPacketSize)
	idLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("client: authentication rejected: %w", err)
	}
	c.id = idLine[:len(idLine)-1]
	if c.id == "" {
		return fmt.Errorf("client: empty id from agent")
	}

	// Frames may already be buffered behind the id line; hand the reader to
	// the receive loop instead of rewrapping the socket.
	c.reader = reader
	return nil
}

// ID returns the client id assigned by the agent.
func (c *Client) ID() string { return c.id }

// Store exposes the replica object store.
func (c *Client) Store() *object.Store { return c.store }

// Done closes when the connection ends, by Close or by the agent.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the connection.
func (c *Client) Close() error {
	c.closing.Do(func() { _ = c.conn.Close() })
	<-c.done
	return nil
}

// Join subscribes this client to a zone. The zone answers with a full state
// sync on the private channel.
func (c *Client) Join(zoneID string) error {
	return c.send(channel.Channel{Target: zoneID, Method: channel.MethodJoin}, nil)
}

// Leave drops a zone subscription.
func (c *Client) Leave(zoneID string) error {
	return c.send(channel.Channel{Target: zoneID, Method: channel.MethodLeave}, nil)
}

// Call invokes a named procedure on a zone.
func (c *Client) Call(zoneID, name string, payload []byte) error {
	return c.send(channel.Channel{Target: zoneID, Method: channel.MethodCall, CodeName: name}, payload)
}

// New instantiates an object of the named class bound to a zone. The object
// reaches the fabric on the first Save.
func (c *Client) New(zoneID, codeName string, fields map[string]any) (*object.Object, error) {
	schema, err := c.cfg.Registry.Lookup(codeName)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged[object.FieldZone] = zoneID
	if _, ok := merged[object.FieldOwner]; !ok {
		merged[object.FieldOwner] = c.id
	}
	return object.New(schema, merged)
}

// Save pushes each object's pending changes to its authoritative zone:
// creates for objects never saved, update diffs for live ones, deletes for
// objects marked deleted. The replica applies first, so the zone's echo is
// a no-op here.
func (c *Client) Save(objects ...*object.Object) error {
	for _, o := range objects {
		if err := c.saveOne(o); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) saveOne(o *object.Object) error {
	zoneID := o.Zone()
	switch {
	case o.Deleted():
		id := o.ID()
		if err := c.store.Delete(id); err != nil && !errors.Is(err, object.ErrNotFound) {
			return err
		}
		// Deletes carry id and zone like every other diff.
		payload, err := json.Marshal(map[string]string{object.FieldID: id, object.FieldZone: zoneID})
		if err != nil {
			return err
		}
		return c.send(channel.Channel{Target: zoneID, Method: channel.MethodDelete}, payload)

	case !o.Created():
		payload, err := o.Serialize(true)
		if err != nil {
			return err
		}
		c.store.Create(o)
		create := channel.Channel{Target: zoneID, Method: channel.MethodCreate, CodeName: o.CodeName()}
		return c.send(create, payload)

	default:
		payload, err := o.Serialize(false)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return err
		}
		if err := c.store.Update(fields); err != nil && !errors.Is(err, object.ErrNotFound) {
			return err
		}
		o.Save()
		return c.send(channel.Channel{Target: zoneID, Method: channel.MethodUpdate}, payload)
	}
}

// send writes one `channel|payload` frame.
func (c *Client) send(ch channel.Channel, payload []byte) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frame := make([]byte, 0, len(ch.String())+len(payload)+2)
	frame = append(frame, ch.String()...)
	frame = append(frame, '|')
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// receiveLoop consumes downstream frames until the connection ends.
func (c *Client) receiveLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 4096), c.cfg.MaxPacketSize)

	for scanner.Scan() {
		var frame struct {
			Channel string `json:"channel"`
			Data    string `json:"data"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Undecodable frame from agent")
			continue
		}
		ch, err := channel.Parse(frame.Channel)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", frame.Channel).Msg("Bad channel from agent")
			continue
		}
		c.dispatch(ch, []byte(frame.Data))
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("Connection ended")
	}
}

func (c *Client) dispatch(ch channel.Channel, data []byte) {
	defer logging.RecoverPanic(c.logger, "dispatch")

	switch ch.Method {
	case channel.MethodCreate:
		schema, err := c.cfg.Registry.Lookup(ch.CodeName)
		if err != nil {
			c.logger.Warn().Str("class", ch.CodeName).Msg("Create for unregistered class dropped")
			return
		}
		o, err := object.Decode(schema, data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Undecodable create payload")
			return
		}
		c.store.Create(o)

	case channel.MethodUpdate:
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			c.logger.Warn().Err(err).Msg("Undecodable update payload")
			return
		}
		if err := c.store.Update(fields); err != nil {
			// An update racing ahead of its create; the next state sync
			// heals the replica.
			c.logger.Debug().Err(err).Msg("Update for unknown object dropped")
		}

	case channel.MethodDelete:
		var fields struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &fields); err != nil || fields.ID == "" {
			c.logger.Warn().Msg("Delete payload without id")
			return
		}
		if err := c.store.Delete(fields.ID); err != nil {
			c.logger.Debug().Err(err).Msg("Delete for unknown object dropped")
		}

	case channel.MethodJoin:
		if c.cfg.PeerJoined != nil {
			c.cfg.PeerJoined(ch.Target, string(data))
		}

	case channel.MethodLeave:
		if c.cfg.PeerLeft != nil {
			c.cfg.PeerLeft(ch.Target, string(data))
		}

	case channel.MethodCall:
		// Calls are zone-side procedures; a replica ignores them.
	}
}
