package tunserver

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/oblique-tunnel/oblique/internal/frame"
	"github.com/oblique-tunnel/oblique/internal/metrics"
)

// listenerSession is the Server-side owner of one tunneled session: a
// single accepted public TCP connection, framed onto the control
// channel.
type listenerSession struct {
	sid    uint32
	conn   net.Conn
	parent *controlConn
	logger *slog.Logger

	closeOnce sync.Once
}

// Send writes bytes arriving from the peer (DATA frames decoded off
// the control channel) to the user-facing socket.
func (l *listenerSession) Send(data []byte) error {
	_, err := l.conn.Write(data)
	if err != nil {
		// A write failure is logged but does not itself trigger DEAD;
		// the read loop's subsequent close event will surface it.
		l.logger.Warn("listener_write_error", "sid", l.sid, "error", err)
	}
	return err
}

// Close tears down the local socket. Idempotent.
func (l *listenerSession) Close() {
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
	})
}

// run reads bytes from the accepted public connection and frames them
// onto the control channel as DATA(sid, ...) until EOF or error, then
// removes the session and emits DEAD(sid).
func (l *listenerSession) run() {
	buf := make([]byte, 32*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			metrics.AddBytesRelayed("user_to_target", n)
			if werr := l.parent.send(frame.Encode(frame.CmdData, l.sid, buf[:n])); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				l.logger.Debug("listener_read_error", "sid", l.sid, "error", err)
			}
			break
		}
	}
	l.teardown()
}

// teardown removes the session from the registry, emits DEAD, and
// closes the socket. Idempotent with respect to the registry: a
// concurrent DEAD arriving from the peer may have already removed it.
func (l *listenerSession) teardown() {
	l.parent.registry.Remove(l.sid)
	_ = l.parent.send(frame.Encode(frame.CmdDead, l.sid, nil))
	l.Close()
	l.logger.Debug("session_closed", "sid", l.sid, "error", ErrSessionPeerClosure)
	metrics.IncSessionClosed("server", "peer_closure")
	l.parent.removeListenerSession(l)
}
