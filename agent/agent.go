// Package agent implements the gateway between external clients and the
// internal bus. One side terminates authenticated TCP sockets speaking the
// line protocol; the other side subscribes to bus patterns and fans matching
// messages out to the interested sockets.
//
// The agent is a stateless router: it holds connections and their zone
// subscriptions, never object state. Permission decisions happen at ingress
// (the IngressPolicy hook); egress applies no check beyond RespondsTo.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennomi/pastry/auth"
	"github.com/pennomi/pastry/channel"
	"github.com/pennomi/pastry/internal/bus"
	"github.com/pennomi/pastry/internal/logging"
	"github.com/pennomi/pastry/internal/metrics"
)

// ErrAuthFailed is logged when a connection presents credentials the
// authenticator rejects. The socket is closed without a response.
var ErrAuthFailed = errors.New("authentication failed")

// globalTarget is subscribed by every server so fabric-wide broadcasts have
// a home.
const globalTarget = "global"

// writeWait bounds each outbound write so one wedged socket cannot hold the
// write pump forever.
const writeWait = 5 * time.Second

// IngressPolicy decides whether an authenticated client may send on a
// channel. Returning false drops the message before it reaches the bus.
type IngressPolicy func(clientID string, ch channel.Channel) bool

// Config carries the agent's knobs.
type Config struct {
	// Addr is the TCP listen address for client connections.
	Addr string
	// MaxPacketSize bounds a single read from a client socket.
	MaxPacketSize int
	// FrameRatePerSec / FrameRateBurst shape the per-connection ingress
	// token bucket.
	FrameRatePerSec int
	FrameRateBurst  int
}

// Agent terminates client sockets and routes between them and the bus.
type Agent struct {
	cfg           Config
	logger        zerolog.Logger
	bus           bus.Bus
	authenticator auth.Authenticator
	policy        IngressPolicy

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// New builds an agent. A nil authenticator assigns anonymous ids; a nil
// policy allows everything.
func New(cfg Config, b bus.Bus, authenticator auth.Authenticator, logger zerolog.Logger) *Agent {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 16384
	}
	if cfg.FrameRatePerSec <= 0 {
		cfg.FrameRatePerSec = 100
	}
	if cfg.FrameRateBurst < cfg.FrameRatePerSec {
		cfg.FrameRateBurst = cfg.FrameRatePerSec * 2
	}
	if authenticator == nil {
		authenticator = auth.Anonymous{}
	}
	return &Agent{
		cfg:           cfg,
		logger:        logger,
		bus:           b,
		authenticator: authenticator,
		policy:        func(string, channel.Channel) bool { return true },
		conns:         make(map[*Connection]struct{}),
	}
}

// SetIngressPolicy installs the permission hook. Must be called before
// Startup.
func (a *Agent) SetIngressPolicy(policy IngressPolicy) {
	if policy != nil {
		a.policy = policy
	}
}

// Addr returns the bound listen address, useful when Config.Addr used
// port 0.
func (a *Agent) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Startup binds the listener, subscribes the global target and starts the
// accept and bus loops.
func (a *Agent) Startup(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", a.cfg.Addr, err)
	}
	a.listener = listener

	if err := a.bus.Subscribe(globalTarget); err != nil {
		listener.Close()
		return fmt.Errorf("agent: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(2)
	go a.acceptLoop(loopCtx)
	go a.busLoop(loopCtx)

	a.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_packet_size", a.cfg.MaxPacketSize).
		Msg("Agent listening")
	return nil
}

// Shutdown stops accepting, closes every client socket and waits for the
// loops to drain.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Agent shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}

	a.mu.Lock()
	for c := range a.conns {
		c.close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick terminates the connection holding clientID, if any. Cleanup (leave
// fan-out, unsubscribes, removal) runs through the normal disconnect path.
func (a *Agent) Kick(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.conns {
		if c.ID() == clientID {
			c.close()
			return true
		}
	}
	return false
}

func (a *Agent) acceptLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			// Closed listener means shutdown.
			a.logger.Debug().Err(err).Msg("Accept loop ending")
			return
		}
		metrics.ConnectionsTotal.Inc()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection owns one client socket from accept to cleanup.
func (a *Agent) handleConnection(ctx context.Context, netConn net.Conn) {
	defer logging.RecoverPanic(a.logger, "handleConnection")

	c := newConnection(netConn, a.cfg.FrameRatePerSec, a.cfg.FrameRateBurst)

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 4096), a.cfg.MaxPacketSize)

	if err := a.authenticate(ctx, c, scanner); err != nil {
		metrics.AuthFailures.Inc()
		a.logger.Warn().
			Err(err).
			Str("remote", c.remoteAddr()).
			Msg("Authentication failed, closing socket")
		c.close()
		return
	}

	a.mu.Lock()
	a.conns[c] = struct{}{}
	a.mu.Unlock()
	metrics.ConnectionsActive.Inc()

	if err := a.bus.Subscribe(c.ID()); err != nil {
		a.logger.Error().Err(err).Str("client_id", c.ID()).Msg("Private channel subscribe failed")
		a.removeConnection(c, "bus_error")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.writePump(c)
	}()

	a.logger.Info().
		Str("client_id", c.ID()).
		Str("remote", c.remoteAddr()).
		Msg("Client connected")

	a.readLoop(ctx, c, scanner)
	a.removeConnection(c, "disconnect")
}

// authenticate performs the one-line credential exchange. Until it returns,
// the only bytes written to the socket are the assigned id line.
func (a *Agent) authenticate(ctx context.Context, c *Connection, scanner *bufio.Scanner) error {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: connection closed before credentials", ErrAuthFailed)
	}

	var credentials map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &credentials); err != nil {
		return fmt.Errorf("%w: malformed credentials: %v", ErrAuthFailed, err)
	}

	clientID, err := a.authenticator.Authenticate(ctx, credentials)
	if err != nil || clientID == "" {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if _, err := c.conn.Write(append([]byte(clientID), '\n')); err != nil {
		return fmt.Errorf("%w: id response: %v", ErrAuthFailed, err)
	}
	c.setID(clientID)
	return nil
}

// readLoop consumes line frames until the client disconnects or the agent
// shuts down.
func (a *Agent) readLoop(ctx context.Context, c *Connection, scanner *bufio.Scanner) {
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		metrics.FramesReceived.Inc()

		if !c.limiter.Allow() {
			metrics.RateLimitedFrames.Inc()
			a.logger.Warn().
				Str("client_id", c.ID()).
				Msg("Client rate limited, dropping frame")
			continue
		}

		a.handleFrame(ctx, c, line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Debug().
			Err(err).
			Str("client_id", c.ID()).
			Msg("Client read error")
	}
}

// handleFrame routes one `channel|payload` frame. Malformed or forbidden
// frames are dropped with a log; the session continues.
func (a *Agent) handleFrame(ctx context.Context, c *Connection, line []byte) {
	sep := bytes.IndexByte(line, '|')
	if sep < 0 {
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonBadChannel).Inc()
		a.logger.Warn().
			Str("client_id", c.ID()).
			Str("frame", string(line)).
			Msg("Frame without channel separator")
		return
	}

	ch, err := channel.Parse(string(line[:sep]))
	if err != nil {
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonBadChannel).Inc()
		a.logger.Warn().
			Err(err).
			Str("client_id", c.ID()).
			Msg("Bad channel from client")
		return
	}
	payload := line[sep+1:]

	if !a.policy(c.ID(), ch) {
		a.logger.Warn().
			Str("client_id", c.ID()).
			Str("channel", ch.String()).
			Msg("Ingress policy rejected message")
		return
	}

	switch ch.Method {
	case channel.MethodJoin:
		if !c.addSubscription(ch.Target) {
			a.logger.Debug().
				Str("client_id", c.ID()).
				Str("zone", ch.Target).
				Msg("Duplicate join ignored")
			return
		}
		if err := a.bus.Subscribe(ch.Target); err != nil {
			a.logger.Error().Err(err).Str("zone", ch.Target).Msg("Zone subscribe failed")
			c.removeSubscription(ch.Target)
			return
		}
		a.logger.Info().
			Str("client_id", c.ID()).
			Str("zone", ch.Target).
			Msg("Client joined zone")
		// The authoritative zone answers the join by syncing its state to
		// the newcomer's private channel.
		a.publish(ctx, ch, []byte(c.ID()))

	case channel.MethodLeave:
		if !c.removeSubscription(ch.Target) {
			// Leaving a zone that was never joined is a no-op.
			return
		}
		a.logger.Info().
			Str("client_id", c.ID()).
			Str("zone", ch.Target).
			Msg("Client left zone")
		a.publish(ctx, ch, []byte(c.ID()))
		if err := a.bus.Unsubscribe(ch.Target); err != nil {
			a.logger.Error().Err(err).Str("zone", ch.Target).Msg("Zone unsubscribe failed")
		}

	default:
		// Object traffic forwards verbatim; the authoritative zone applies
		// it.
		a.publish(ctx, ch, payload)
	}
}

func (a *Agent) publish(ctx context.Context, ch channel.Channel, payload []byte) {
	if err := a.bus.Publish(ctx, ch.String(), payload); err != nil {
		a.logger.Error().Err(err).Str("channel", ch.String()).Msg("Bus publish failed")
		return
	}
	metrics.BusPublished.Inc()
}

// busLoop fans every inbound bus message out to the connections that
// respond to its channel.
func (a *Agent) busLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.bus.Messages():
			if !ok {
				return
			}
			metrics.BusDelivered.Inc()
			a.fanOut(msg)
		}
	}
}

// clientFrame is the JSON envelope sent downstream to clients.
type clientFrame struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

func (a *Agent) fanOut(msg bus.Message) {
	ch, err := channel.Parse(msg.Channel)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues(metrics.ReasonBadChannel).Inc()
		a.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Bad channel from bus")
		return
	}

	frame, err := json.Marshal(clientFrame{Channel: ch.String(), Data: string(msg.Payload)})
	if err != nil {
		a.logger.Error().Err(err).Msg("Frame marshal failed")
		return
	}
	frame = append(frame, '\n')

	a.mu.Lock()
	targets := make([]*Connection, 0, len(a.conns))
	for c := range a.conns {
		if c.RespondsTo(ch) {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			metrics.DroppedMessages.WithLabelValues(metrics.ReasonSlowClient).Inc()
			a.logger.Warn().
				Str("client_id", c.ID()).
				Str("channel", ch.String()).
				Msg("Send buffer full, dropping frame for slow client")
		}
	}
}

// writePump serializes all writes for one connection, batching whatever has
// queued up behind a single flush.
func (a *Agent) writePump(c *Connection) {
	writer := bufio.NewWriter(c.conn)
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := writer.Write(frame); err != nil {
			a.logger.Debug().Err(err).Str("client_id", c.ID()).Msg("Write failed")
			c.close()
			return
		}
		metrics.FramesSent.Inc()

		// Drain whatever else is queued before flushing.
		n := len(c.send)
		for i := 0; i < n; i++ {
			next := <-c.send
			if _, err := writer.Write(next); err != nil {
				a.logger.Debug().Err(err).Str("client_id", c.ID()).Msg("Write failed")
				c.close()
				return
			}
			metrics.FramesSent.Inc()
		}
		if err := writer.Flush(); err != nil {
			a.logger.Debug().Err(err).Str("client_id", c.ID()).Msg("Flush failed")
			c.close()
			return
		}
	}
}

// removeConnection is the single cleanup path for a closing connection:
// emit a leave for every held subscription, release the bus patterns, drop
// the connection from the routing set and stop the write pump.
func (a *Agent) removeConnection(c *Connection, reason string) {
	a.mu.Lock()
	if _, live := a.conns[c]; !live {
		a.mu.Unlock()
		return
	}
	delete(a.conns, c)
	a.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	metrics.Disconnects.WithLabelValues(reason).Inc()

	ctx, cancelPublish := context.WithTimeout(context.Background(), writeWait)
	defer cancelPublish()
	for _, zoneID := range c.heldSubscriptions() {
		leave := channel.Channel{Target: zoneID, Method: channel.MethodLeave}
		a.publish(ctx, leave, []byte(c.ID()))
		if err := a.bus.Unsubscribe(zoneID); err != nil {
			a.logger.Error().Err(err).Str("zone", zoneID).Msg("Zone unsubscribe failed")
		}
	}
	if err := a.bus.Unsubscribe(c.ID()); err != nil {
		a.logger.Error().Err(err).Str("client_id", c.ID()).Msg("Private channel unsubscribe failed")
	}

	c.closeSend()
	c.close()

	a.logger.Info().
		Str("client_id", c.ID()).
		Str("reason", reason).
		Dur("session", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}
