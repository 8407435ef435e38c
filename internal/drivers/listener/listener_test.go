package listener

import (
	"net"
	"testing"
	"time"

	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
)

func newTestDriver(t *testing.T, tunnelHost string, tunnelPort uint16) (*Driver, *bus.Bus) {
	t.Helper()
	b := bus.New()
	d, err := New(b, "127.0.0.1:0", tunnelHost, tunnelPort)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.loop = loop.New(b, time.Second)
	t.Cleanup(func() { d.ln.Close() })
	return d, b
}

func TestHandleAcceptCreatesSessionWithTunnel(t *testing.T) {
	d, b := newTestDriver(t, "10.0.0.1", 443)

	var gotHost string
	var gotPort uint16
	b.Subscribe(bus.CREATE_SESSION, func(ctx interface{}, msg bus.Message) {
		gotHost = msg.CreateSession.TunnelHost
		gotPort = msg.CreateSession.TunnelPort
		*msg.CreateSession.SessionID = 42
	}, nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	action := d.Handle(loop.SourceEvent{Conn: serverConn})
	if action != loop.OK {
		t.Fatalf("expected loop.OK, got %v", action)
	}
	if gotHost != "10.0.0.1" || gotPort != 443 {
		t.Fatalf("unexpected tunnel target: %s:%d", gotHost, gotPort)
	}

	d.mu.Lock()
	_, ok := d.clients[42]
	d.mu.Unlock()
	if !ok {
		t.Fatal("expected session 42 to be mapped to the accepted connection")
	}
}

func TestOnDataInWritesToMappedConnection(t *testing.T) {
	d, b := newTestDriver(t, "", 0)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	d.mu.Lock()
	d.clients[7] = serverConn
	d.mu.Unlock()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := clientConn.Read(buf)
		done <- buf[:n]
	}()

	b.Post(bus.Message{Kind: bus.DATA_IN, Data: &bus.DataPayload{SessionID: 7, Data: []byte("hello")}})

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("unexpected data: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data on mapped connection")
	}
}

func TestOnSessionClosedClosesAndRemovesConnection(t *testing.T) {
	d, b := newTestDriver(t, "", 0)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	d.mu.Lock()
	d.clients[9] = serverConn
	d.mu.Unlock()

	b.Post(bus.Message{Kind: bus.SESSION_CLOSED, Session: &bus.SessionPayload{SessionID: 9}})

	d.mu.Lock()
	_, ok := d.clients[9]
	d.mu.Unlock()
	if ok {
		t.Fatal("expected session 9 to be removed from the client map")
	}

	buf := make([]byte, 1)
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := serverConn.Read(buf); err == nil {
		t.Fatal("expected the accepted connection to be closed")
	}
}
