package tunserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"github.com/oblique-tunnel/oblique/internal/controlwriter"
	"github.com/oblique-tunnel/oblique/internal/discovery"
	"github.com/oblique-tunnel/oblique/internal/frame"
	"github.com/oblique-tunnel/oblique/internal/metrics"
	"github.com/oblique-tunnel/oblique/internal/session"
	"github.com/oblique-tunnel/oblique/internal/sockopt"
)

type controlState int32

const (
	stateAwaitInit controlState = iota
	stateRunning
	stateClosed
)

// controlConn is the per-control-channel state machine: one per
// accepted Client TCP connection.
type controlConn struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	registry *session.Registry
	writer   *controlwriter.Writer
	decoder  *frame.Decoder

	mu        sync.Mutex
	state     controlState
	publicLn  net.Listener
	announcer *discovery.Announcer

	sessionsMu sync.Mutex
	sessions   map[*listenerSession]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newControlConn(s *Server, conn net.Conn, logger *slog.Logger) *controlConn {
	return &controlConn{
		server:   s,
		conn:     conn,
		logger:   logger,
		registry: session.New(),
		sessions: make(map[*listenerSession]struct{}),
		done:     make(chan struct{}),
	}
}

// send enqueues a frame for transmission on the control channel, in
// the order callers enqueue it.
func (c *controlConn) send(b []byte) error {
	return c.writer.Enqueue(b)
}

func (c *controlConn) setState(s controlState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *controlConn) getState() controlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// serve drives the read loop for one control channel until it closes.
func (c *controlConn) serve(ctx context.Context) {
	metrics.IncControlConnect()
	c.writer = controlwriter.New(c.conn, func(err error) {
		c.logger.Warn("control_write_error", "error", err)
	})
	c.decoder = frame.NewDecoder()
	var cause error
	defer func() { c.transportLost(cause) }()

	// Closing the connection on cancellation unblocks a pending Read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			cause = ErrContext
			return
		default:
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, decErr := c.decoder.Feed(buf[:n])
			for _, f := range frames {
				c.handleFrame(f)
				if c.getState() == stateClosed {
					cause = ErrProtocolViolation
					return
				}
			}
			if decErr != nil {
				metrics.IncMalformed()
				cause = fmt.Errorf("%w: %v", ErrMalformedFrame, decErr)
				c.logger.Warn("control_malformed_frame", "error", cause)
				_ = c.send(frame.Encode(frame.CmdInvalid, 0, nil))
				metrics.IncInvalidSent()
				c.setState(stateClosed)
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				cause = ErrContext
				return
			}
			cause = fmt.Errorf("%w: %v", ErrTransportLoss, err)
			return
		}
	}
}

func (c *controlConn) handleFrame(f frame.Frame) {
	switch c.getState() {
	case stateAwaitInit:
		if f.Cmd != frame.CmdInit {
			c.protocolViolation()
			return
		}
		if f.SID != 0 {
			c.protocolViolation()
			return
		}
		if len(f.Payload) < 4 {
			c.protocolViolation()
			return
		}
		mode := frame.Mode(binary.BigEndian.Uint32(f.Payload[0:4]))
		info := string(f.Payload[4:])
		if mode != frame.ModeTCP {
			c.protocolViolation()
			return
		}
		if err := c.allocateListener(info); err != nil {
			c.logger.Error("listener_allocation_failed", "error", err)
			c.setState(stateClosed)
			return
		}
		c.setState(stateRunning)

	case stateRunning:
		switch f.Cmd {
		case frame.CmdData:
			h, ok := c.registry.Lookup(f.SID)
			if !ok {
				_ = c.send(frame.Encode(frame.CmdInvalid, f.SID, nil))
				metrics.IncInvalidSent()
				return
			}
			_ = h.Send(f.Payload)
			metrics.AddBytesRelayed("target_to_user", len(f.Payload))
		case frame.CmdDead:
			if h, ok := c.registry.Lookup(f.SID); ok {
				c.registry.Remove(f.SID)
				h.Close()
				metrics.IncSessionClosed("server", "dead_frame")
			}
		case frame.CmdOpen:
			// Acknowledgement of the Client's dial; a no-op here.
		case frame.CmdBeat:
			// Reserved; current core ignores it.
		case frame.CmdInit:
			c.protocolViolation()
		default:
			// Unknown commands never reach here; Decode rejects them.
		}

	case stateClosed:
		// Nothing further to do.
	}
}

func (c *controlConn) protocolViolation() {
	c.logger.Warn("protocol_violation", "error", ErrProtocolViolation)
	_ = c.send(frame.Encode(frame.CmdInvalid, 0, nil))
	metrics.IncInvalidSent()
	c.setState(stateClosed)
}

// allocateListener repeatedly picks a uniformly random ephemeral port
// and attempts to bind it, retrying on failure.
func (c *controlConn) allocateListener(info string) error {
	lc := net.ListenConfig{Control: sockopt.ReuseAddr}
	for {
		port := 1025 + rand.Intn(65535-1025+1)
		ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				continue // port in use or otherwise unavailable; try another
			}
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		c.publicLn = ln
		metrics.ActiveListeners.Inc()
		c.logger.Info("public_listener_bound", "addr", ln.Addr().String(), "client_info", info)

		if c.server.opts.OnListenerBound != nil {
			c.server.opts.OnListenerBound(ln.Addr().String(), info)
		}

		if ann, aerr := c.server.announce(ln, info); aerr == nil {
			c.announcer = ann
		} else {
			c.logger.Warn("mdns_announce_failed", "error", aerr)
		}

		if err := c.send(frame.EncodeInit(frame.ModeTCP, "Successfully created a listener.")); err != nil {
			_ = ln.Close()
			return fmt.Errorf("%w: %v", ErrListen, err)
		}

		go c.acceptPublic(ln)
		return nil
	}
}

// acceptPublic accepts external user connections on the bound public
// listener and turns each into a Listener session.
func (c *controlConn) acceptPublic(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sid := c.registry.Generate()
		l := &listenerSession{sid: sid, conn: conn, parent: c, logger: c.logger}
		c.registry.Insert(sid, l)
		c.addListenerSession(l)
		metrics.IncSessionOpened("server")
		metrics.SetActiveSessions("server", c.registry.Count())
		if err := c.send(frame.Encode(frame.CmdOpen, sid, nil)); err != nil {
			c.registry.Remove(sid)
			_ = conn.Close()
			continue
		}
		go l.run()
	}
}

func (c *controlConn) addListenerSession(l *listenerSession) {
	c.sessionsMu.Lock()
	c.sessions[l] = struct{}{}
	c.sessionsMu.Unlock()
}

func (c *controlConn) removeListenerSession(l *listenerSession) {
	c.sessionsMu.Lock()
	delete(c.sessions, l)
	c.sessionsMu.Unlock()
	metrics.SetActiveSessions("server", c.registry.Count())
}

// transportLost tears down every Listener session owned by this
// control channel and releases the public listener. Loss of the
// control channel cancels every owned session synchronously.
func (c *controlConn) transportLost(cause error) {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		metrics.IncControlDisconnect()
		if cause != nil {
			c.logger.Info("control_channel_closed", "error", cause)
		}
		c.registry.CloseAll()
		c.mu.Lock()
		ln := c.publicLn
		ann := c.announcer
		c.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
			metrics.ActiveListeners.Dec()
		}
		if ann != nil {
			ann.Shutdown()
		}
		if c.writer != nil {
			c.writer.Close()
		}
		_ = c.conn.Close()
		close(c.done)
		c.server.removeControlConn(c)
	})
}
