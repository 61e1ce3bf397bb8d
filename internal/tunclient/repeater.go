package tunclient

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/oblique-tunnel/oblique/internal/frame"
	"github.com/oblique-tunnel/oblique/internal/metrics"
)

// repeaterSession is the Client-side owner of one tunneled session: a
// TCP socket dialed to the forwarding target, framed onto the control
// channel.
type repeaterSession struct {
	sid    uint32
	conn   net.Conn
	parent *Client
	logger *slog.Logger

	closeOnce sync.Once
}

// Send writes bytes arriving from the Server (DATA frames) to the
// target-facing socket.
func (r *repeaterSession) Send(data []byte) error {
	_, err := r.conn.Write(data)
	if err != nil {
		r.logger.Warn("repeater_write_error", "sid", r.sid, "error", err)
	}
	return err
}

// Close tears down the target socket. Idempotent.
func (r *repeaterSession) Close() {
	r.closeOnce.Do(func() {
		_ = r.conn.Close()
	})
}

// run reads bytes from the target connection and frames them onto the
// control channel as DATA(sid, ...) until EOF or error, then tears
// down the session and emits DEAD(sid).
func (r *repeaterSession) run() {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			metrics.AddBytesRelayed("target_to_user", n)
			if werr := r.parent.send(frame.Encode(frame.CmdData, r.sid, buf[:n])); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("repeater_read_error", "sid", r.sid, "error", err)
			}
			break
		}
	}
	r.teardown()
}

func (r *repeaterSession) teardown() {
	r.parent.registry.Remove(r.sid)
	_ = r.parent.send(frame.Encode(frame.CmdDead, r.sid, nil))
	r.Close()
	r.logger.Debug("session_closed", "sid", r.sid, "error", ErrSessionPeerClosure)
	metrics.IncSessionClosed("client", "peer_closure")
	metrics.SetActiveSessions("client", r.parent.registry.Count())
}

// dialRepeater handles an OPEN(sid) arrival: it dials the forwarding
// target. On success, it registers the Repeater and starts its read
// loop; any early data already buffered for sid is then drained by
// the earlydata.Manager's lookup call. On failure, it discards any
// buffered early data for sid and emits DEAD(sid).
func (c *Client) dialRepeater(sid uint32) {
	conn, err := net.DialTimeout("tcp", c.opts.TargetAddr, c.opts.DialTimeout)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
		c.logger.Warn("target_dial_failed", "sid", sid, "target", c.opts.TargetAddr, "error", wrapped)
		metrics.IncDialFailure()
		c.earlyData.Discard(sid)
		_ = c.send(frame.Encode(frame.CmdDead, sid, nil))
		return
	}
	r := &repeaterSession{sid: sid, conn: conn, parent: c, logger: c.logger}
	c.registry.Insert(sid, r)
	metrics.IncSessionOpened("client")
	metrics.SetActiveSessions("client", c.registry.Count())
	_ = c.send(frame.Encode(frame.CmdOpen, sid, nil))
	go r.run()
}
