package controlwriter

import (
	"net"
	"testing"
	"time"
)

func TestWriter_PreservesOrder(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 0, 1024)
		tmp := make([]byte, 256)
		deadline := time.Now().Add(2 * time.Second)
		server.SetReadDeadline(deadline)
		for len(buf) < 300 {
			n, err := server.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err != nil {
				break
			}
		}
		done <- buf
	}()

	w := New(client, nil)
	for i := 0; i < 300; i++ {
		_ = w.Enqueue([]byte{byte(i % 256)})
	}
	got := <-done
	if len(got) != 300 {
		t.Fatalf("expected 300 bytes, got %d", len(got))
	}
	for i, b := range got {
		if b != byte(i%256) {
			t.Fatalf("byte %d out of order: got %d want %d", i, b, byte(i%256))
		}
	}
	w.Close()
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	_, client := net.Pipe()
	w := New(client, nil)
	w.Close()
	w.Close()
	if err := w.Enqueue([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestWriter_OnErrorCalledOnWriteFailure(t *testing.T) {
	server, client := net.Pipe()
	server.Close()

	errCh := make(chan error, 1)
	w := New(client, func(err error) { errCh <- err })
	_ = w.Enqueue([]byte("x"))
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onError not called")
	}
}
