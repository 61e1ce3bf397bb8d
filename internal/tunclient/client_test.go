package tunclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oblique-tunnel/oblique/internal/frame"
)

// fakeServer stands in for the Server side of the control channel: it
// accepts one connection, performs the INIT handshake, and hands the
// raw net.Conn to the test so it can drive OPEN/DATA/DEAD by hand.
func fakeServer(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frames, _, err := frame.Decode(buf[:n])
		if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdInit {
			return
		}
		_, _ = conn.Write(frame.EncodeInit(frame.ModeTCP, "Successfully created a listener."))
		connCh <- conn
	}()
	return ln, connCh
}

func startDial(t *testing.T, serverAddr, targetAddr string) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Dial(ctx, Options{
			ServerAddr:  serverAddr,
			TargetAddr:  targetAddr,
			DialTimeout: 2 * time.Second,
		})
	}()
	return cancel, errCh
}

func TestDial_OpenDialEchoDead(t *testing.T) {
	ln, connCh := fakeServer(t)
	defer ln.Close()

	target, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("target listen: %v", err)
	}
	defer target.Close()
	go func() {
		c, err := target.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				_, _ = c.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	cancel, errCh := startDial(t, ln.Addr().String(), target.Addr().String())
	defer cancel()

	var control net.Conn
	select {
	case control = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	defer control.Close()

	sid := uint32(0xAABBCCDD)
	if _, err := control.Write(frame.Encode(frame.CmdOpen, sid, nil)); err != nil {
		t.Fatalf("write open: %v", err)
	}

	buf := make([]byte, 256)
	control.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := control.Read(buf)
	if err != nil {
		t.Fatalf("read open ack: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdOpen || frames[0].SID != sid {
		t.Fatalf("expected OPEN(%d) ack, got frames=%v err=%v", sid, frames, err)
	}

	if _, err := control.Write(frame.Encode(frame.CmdData, sid, []byte("ping"))); err != nil {
		t.Fatalf("write data: %v", err)
	}
	n, err = control.Read(buf)
	if err != nil {
		t.Fatalf("read echoed data: %v", err)
	}
	frames, _, err = frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdData || string(frames[0].Payload) != "ping" {
		t.Fatalf("expected DATA(ping), got frames=%v err=%v", frames, err)
	}

	if _, err := control.Write(frame.Encode(frame.CmdDead, sid, nil)); err != nil {
		t.Fatalf("write dead: %v", err)
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Dial never returned after cancel")
	}
}

func TestDial_TargetDialFailureSendsDead(t *testing.T) {
	ln, connCh := fakeServer(t)
	defer ln.Close()

	// Reserve a port, then close it immediately so nothing is listening
	// there: this simulates a dial failure deterministically.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	deadTarget := probe.Addr().String()
	probe.Close()

	cancel, _ := startDial(t, ln.Addr().String(), deadTarget)
	defer cancel()

	var control net.Conn
	select {
	case control = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	defer control.Close()

	sid := uint32(0x11223344)
	if _, err := control.Write(frame.Encode(frame.CmdOpen, sid, nil)); err != nil {
		t.Fatalf("write open: %v", err)
	}

	buf := make([]byte, 256)
	control.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := control.Read(buf)
	if err != nil {
		t.Fatalf("read dead: %v", err)
	}
	frames, _, err := frame.Decode(buf[:n])
	if err != nil || len(frames) != 1 || frames[0].Cmd != frame.CmdDead || frames[0].SID != sid {
		t.Fatalf("expected DEAD(%d), got frames=%v err=%v", sid, frames, err)
	}
}
