// Package tunclient implements the internal-facing half of Oblique:
// it dials a Server's control port, announces a single forwarding
// target, and for every OPEN(sid) the Server sends, dials that target
// and bridges bytes between it and the control channel.
package tunclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/oblique-tunnel/oblique/internal/controlwriter"
	"github.com/oblique-tunnel/oblique/internal/earlydata"
	"github.com/oblique-tunnel/oblique/internal/frame"
	"github.com/oblique-tunnel/oblique/internal/logging"
	"github.com/oblique-tunnel/oblique/internal/metrics"
	"github.com/oblique-tunnel/oblique/internal/session"
)

type clientState int32

const (
	stateConnecting clientState = iota
	stateRunning
	stateClosed
)

// Options configures a Client.
type Options struct {
	ServerAddr  string
	TargetAddr  string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client owns one control channel to a Server and every Repeater
// session opened against it.
type Client struct {
	opts   Options
	logger *slog.Logger

	conn     net.Conn
	writer   *controlwriter.Writer
	decoder  *frame.Decoder
	registry *session.Registry

	earlyData *earlydata.Manager

	state clientState
}

// Dial connects to opts.ServerAddr, sends the initial INIT, and runs
// the control loop until ctx is cancelled or the connection is lost.
// It blocks for the lifetime of the control channel.
func Dial(ctx context.Context, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}

	conn, err := net.Dial("tcp", opts.ServerAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDial, err)
	}

	c := &Client{
		opts:     opts,
		logger:   opts.Logger,
		conn:     conn,
		decoder:  frame.NewDecoder(),
		registry: session.New(),
		state:    stateConnecting,
	}
	c.earlyData = earlydata.NewManager(earlydata.DefaultDelay, earlydata.DefaultRetries, c.lookupRepeater, c.onEarlyDataExhausted)
	c.writer = controlwriter.New(conn, func(err error) {
		c.logger.Warn("control_write_error", "error", err)
	})

	metrics.IncControlConnect()
	var cause error
	defer func() { c.transportLost(cause) }()

	info := fmt.Sprintf("Forwarding to %s", opts.TargetAddr)
	if err := c.send(frame.EncodeInit(frame.ModeTCP, info)); err != nil {
		cause = fmt.Errorf("%w: %v", ErrTransportLoss, err)
		return cause
	}

	// Closing the connection on cancellation unblocks a pending Read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	err = c.readLoop(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	cause = err
	return err
}

func (c *Client) send(b []byte) error {
	return c.writer.Enqueue(b)
}

func (c *Client) lookupRepeater(sid uint32) (func([]byte) error, bool) {
	h, ok := c.registry.Lookup(sid)
	if !ok {
		return nil, false
	}
	return h.Send, true
}

func (c *Client) onEarlyDataExhausted(sid uint32) {
	metrics.IncEarlyDataExhausted()
	c.logger.Warn("early_data_exhausted", "sid", sid)
	_ = c.send(frame.Encode(frame.CmdDead, sid, nil))
}

func (c *Client) readLoop(ctx context.Context) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, decErr := c.decoder.Feed(buf[:n])
			for _, f := range frames {
				c.handleFrame(f)
			}
			if decErr != nil {
				wrapped := fmt.Errorf("%w: %v", ErrMalformedFrame, decErr)
				c.logger.Warn("control_malformed_frame", "error", wrapped)
				metrics.IncMalformed()
				return wrapped
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportLoss, err)
		}
	}
}

func (c *Client) handleFrame(f frame.Frame) {
	switch c.state {
	case stateConnecting:
		if f.Cmd != frame.CmdInit {
			c.logger.Warn("unexpected_frame_before_init", "cmd", f.Cmd.String())
			c.state = stateClosed
			return
		}
		if len(f.Payload) >= 4 {
			mode := frame.Mode(binary.BigEndian.Uint32(f.Payload[0:4]))
			msg := string(f.Payload[4:])
			c.logger.Info("server_ack", "mode", mode, "message", msg)
		}
		c.state = stateRunning

	case stateRunning:
		switch f.Cmd {
		case frame.CmdOpen:
			go c.dialRepeater(f.SID)
		case frame.CmdData:
			c.earlyData.Deliver(f.SID, f.Payload)
		case frame.CmdDead:
			if h, ok := c.registry.Lookup(f.SID); ok {
				c.registry.Remove(f.SID)
				h.Close()
				metrics.IncSessionClosed("client", "dead_frame")
			}
			c.earlyData.Discard(f.SID)
		case frame.CmdInvalid:
			c.logger.Warn("server_sent_invalid", "sid", f.SID)
		case frame.CmdBeat:
			// Reserved; current core ignores it.
		}

	case stateClosed:
	}
}

func (c *Client) transportLost(cause error) {
	metrics.IncControlDisconnect()
	if cause != nil {
		c.logger.Info("control_channel_closed", "error", cause)
	}
	c.registry.CloseAll()
	if c.writer != nil {
		c.writer.Close()
	}
	_ = c.conn.Close()
}
