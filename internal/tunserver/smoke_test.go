package tunserver

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/oblique-tunnel/oblique/internal/frame"
)

// dialControl opens a raw control-channel connection and drives the
// INIT handshake a real Client would perform, returning the connection
// and the public listener address the Server reports via
// OnListenerBound.
func dialControl(t *testing.T, srv *Server, addrCh chan string) (net.Conn, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if _, err := conn.Write(frame.EncodeInit(frame.ModeTCP, "forwarding to test target")); err != nil {
		t.Fatalf("write init: %v", err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read init reply: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdInit {
		t.Fatalf("unexpected init reply: frames=%v err=%v", frames, err)
	}
	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(time.Second):
		t.Fatal("listener never bound")
	}
	return conn, addr
}

func startTestServer(t *testing.T) (*Server, chan string) {
	t.Helper()
	addrCh := make(chan string, 1)
	srv := NewServer(Options{
		ListenAddr: ":0",
		OnListenerBound: func(addr, info string) {
			addrCh <- addr
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(cancel)
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server never became ready")
	}
	return srv, addrCh
}

// TestHappyPath exercises the full round trip: a Client's control
// connection allocates a public listener, a user connects to it, sends
// bytes, receives a reply relayed back by the simulated Client side of
// the control channel, and closing the user socket yields DEAD(sid).
func TestHappyPath(t *testing.T) {
	srv, addrCh := startTestServer(t)
	control, publicAddr := dialControl(t, srv, addrCh)
	defer control.Close()

	userConn, err := net.DialTimeout("tcp", publicAddr, time.Second)
	if err != nil {
		t.Fatalf("dial public listener: %v", err)
	}
	defer userConn.Close()

	// Server -> control: OPEN(sid)
	buf := make([]byte, 256)
	n, err := control.Read(buf)
	if err != nil {
		t.Fatalf("read open: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdOpen {
		t.Fatalf("expected OPEN, got frames=%v err=%v", frames, err)
	}
	sid := frames[0].SID

	if _, err := userConn.Write([]byte("hello")); err != nil {
		t.Fatalf("user write: %v", err)
	}
	n, err = control.Read(buf)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	frames, _, err = frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdData || frames[0].SID != sid {
		t.Fatalf("expected DATA(%d), got frames=%v err=%v", sid, frames, err)
	}
	if string(frames[0].Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", frames[0].Payload)
	}

	// simulate the Client relaying a reply back to the user.
	if _, err := control.Write(frame.Encode(frame.CmdData, sid, []byte("world"))); err != nil {
		t.Fatalf("write data: %v", err)
	}
	n, err = userConn.Read(buf)
	if err != nil {
		t.Fatalf("user read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("user got %q", buf[:n])
	}

	userConn.Close()
	n, err = control.Read(buf)
	if err != nil {
		t.Fatalf("read dead: %v", err)
	}
	frames, _, err = frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdDead || frames[0].SID != sid {
		t.Fatalf("expected DEAD(%d), got frames=%v err=%v", sid, frames, err)
	}
}

// TestUnknownSIDGetsInvalid covers DATA(sid) for a sid with no live
// Listener: the Server must answer INVALID(sid), not crash or hang.
func TestUnknownSIDGetsInvalid(t *testing.T) {
	srv, addrCh := startTestServer(t)
	control, _ := dialControl(t, srv, addrCh)
	defer control.Close()

	if _, err := control.Write(frame.Encode(frame.CmdData, 0xDEADBEEF, []byte("x"))); err != nil {
		t.Fatalf("write data: %v", err)
	}
	buf := make([]byte, 256)
	n, err := control.Read(buf)
	if err != nil {
		t.Fatalf("read invalid: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdInvalid || frames[0].SID != 0xDEADBEEF {
		t.Fatalf("expected INVALID(0xDEADBEEF), got frames=%v err=%v", frames, err)
	}
}

// TestGarbledFrameClosesControlChannel covers a malformed frame on a
// running control channel: the Server must answer INVALID(0) and then
// close.
func TestGarbledFrameClosesControlChannel(t *testing.T) {
	srv, addrCh := startTestServer(t)
	control, _ := dialControl(t, srv, addrCh)
	defer control.Close()

	garbage := make([]byte, frame.HeaderLen)
	binary.BigEndian.PutUint32(garbage[0:4], 0x12345678) // bad magic
	if _, err := control.Write(garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	buf := make([]byte, 256)
	n, err := control.Read(buf)
	if err != nil {
		t.Fatalf("read invalid: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdInvalid || frames[0].SID != 0 {
		t.Fatalf("expected INVALID(0), got frames=%v err=%v", frames, err)
	}
	control.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := control.Read(buf); err == nil {
		t.Fatal("expected control channel to close after malformed frame")
	}
}

// TestInitWithNonZeroSIDIsProtocolError covers the explicit protocol
// rule: INIT with sid != 0 is always a violation.
func TestInitWithNonZeroSIDIsProtocolError(t *testing.T) {
	srv, _ := startTestServer(t)
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bad := frame.EncodeInit(frame.ModeTCP, "x")
	binary.BigEndian.PutUint32(bad[5:9], 7) // force sid != 0
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdInvalid {
		t.Fatalf("expected INVALID, got frames=%v err=%v", frames, err)
	}
}

// TestConcurrentSessions drives many simultaneous public connections
// through a single control channel at once.
func TestConcurrentSessions(t *testing.T) {
	srv, addrCh := startTestServer(t)
	control, publicAddr := dialControl(t, srv, addrCh)
	defer control.Close()

	const n = 20
	var wg sync.WaitGroup
	var echoWG sync.WaitGroup
	echoWG.Add(1)
	stop := make(chan struct{})
	go func() {
		defer echoWG.Done()
		buf := make([]byte, 4096)
		dec := frame.NewDecoder()
		for {
			select {
			case <-stop:
				return
			default:
			}
			control.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			m, err := control.Read(buf)
			if err != nil {
				continue
			}
			frames, _ := dec.Feed(buf[:m])
			for _, f := range frames {
				if f.Cmd == frame.CmdData {
					_, _ = control.Write(frame.Encode(frame.CmdData, f.SID, f.Payload))
				}
			}
		}
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
			if err != nil {
				t.Errorf("dial %d: %v", i, err)
				return
			}
			defer conn.Close()
			payload := []byte{byte(i)}
			if _, err := conn.Write(payload); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 8)
			m, err := conn.Read(buf)
			if err != nil || m != 1 || buf[0] != byte(i) {
				t.Errorf("echo mismatch for %d: got %v err=%v", i, buf[:m], err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	echoWG.Wait()
}
