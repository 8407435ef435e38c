// Package listener implements the TCP-listener input driver (spec.md §1
// "an accepted TCP connection"), adapted from the teacher's own
// Accept()/handleClient loop in client/main.go. Design note 9 replaces
// the original dnscat2 driver's intrusive linked list of connected
// clients with a session_id -> client map the driver owns outright; the
// session registry itself only ever sees a weak session_id reference.
package listener

import (
	"io"
	"log"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
)

// Driver accepts TCP connections and maps each to its own session.
type Driver struct {
	b    *bus.Bus
	loop *loop.Loop
	ln   net.Listener
	addr string

	tunnelHost string
	tunnelPort uint16

	events chan loop.SourceEvent

	mu      sync.Mutex
	clients map[uint16]net.Conn
}

// New starts listening on addr. If tunnelHost/tunnelPort are non-empty,
// every session created asks the server to pivot a TCP connection to
// that target (spec.md §3 "tunnel_target"), mirroring driver_listener.c's
// listener-to-pivot behavior per SPEC_FULL.md.
func New(b *bus.Bus, addr, tunnelHost string, tunnelPort uint16) (*Driver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listener: listen")
	}

	d := &Driver{
		b:          b,
		ln:         ln,
		addr:       addr,
		tunnelHost: tunnelHost,
		tunnelPort: tunnelPort,
		events:     make(chan loop.SourceEvent, 16),
		clients:    make(map[uint16]net.Conn),
	}

	b.Subscribe(bus.DATA_IN, func(ctx interface{}, msg bus.Message) { d.onDataIn(msg) }, nil)
	b.Subscribe(bus.SESSION_CLOSED, func(ctx interface{}, msg bus.Message) { d.onSessionClosed(msg) }, nil)

	return d, nil
}

// Register starts the accept loop and registers the driver (and, as
// connections are accepted, each client's reader) with l.
func (d *Driver) Register(l *loop.Loop) {
	d.loop = l
	l.Register(d)
	go d.acceptLoop()
}

func (d *Driver) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			d.events <- loop.SourceEvent{Err: err}
			close(d.events)
			return
		}
		d.events <- loop.SourceEvent{Conn: conn}
	}
}

// Events implements loop.Source.
func (d *Driver) Events() <-chan loop.SourceEvent { return d.events }

// Close implements loop.Source.
func (d *Driver) Close() error { return d.ln.Close() }

// Handle implements loop.Source: on accept, creates a session, maps it to
// the new connection and registers a per-client reader with the loop; on
// listener failure, stops watching.
func (d *Driver) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		log.Printf("dnstun: listener %s: %v", d.addr, evt.Err)
		return loop.CloseRemove
	}

	conn := evt.Conn
	var id uint16
	d.b.Post(bus.Message{
		Kind: bus.CREATE_SESSION,
		CreateSession: &bus.CreateSessionPayload{
			TunnelHost: d.tunnelHost,
			TunnelPort: d.tunnelPort,
			SessionID:  &id,
		},
	})

	d.mu.Lock()
	d.clients[id] = conn
	d.mu.Unlock()

	client := &clientSource{d: d, id: id, conn: conn, events: make(chan loop.SourceEvent, 16)}
	go client.readLoop()
	d.loop.Register(client)

	return loop.OK
}

func (d *Driver) onDataIn(msg bus.Message) {
	d.mu.Lock()
	conn, ok := d.clients[msg.Data.SessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	conn.Write(msg.Data.Data)
}

func (d *Driver) onSessionClosed(msg bus.Message) {
	d.mu.Lock()
	conn, ok := d.clients[msg.Session.SessionID]
	if ok {
		delete(d.clients, msg.Session.SessionID)
	}
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// clientSource adapts one accepted connection into a loop.Source so its
// reads are delivered and turned into DATA_OUT on the loop goroutine,
// same as every other producer in this package.
type clientSource struct {
	d      *Driver
	id     uint16
	conn   net.Conn
	events chan loop.SourceEvent
}

func (c *clientSource) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.events <- loop.SourceEvent{Data: data}
		}
		if err != nil {
			c.events <- loop.SourceEvent{Err: err}
			close(c.events)
			return
		}
	}
}

func (c *clientSource) Events() <-chan loop.SourceEvent { return c.events }

func (c *clientSource) Close() error { return c.conn.Close() }

func (c *clientSource) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		if evt.Err != io.EOF {
			log.Printf("dnstun: listener: client %d read error: %v", c.id, evt.Err)
		}
		c.d.b.Post(bus.Message{Kind: bus.CLOSE_SESSION, Session: &bus.SessionPayload{SessionID: c.id}})
		return loop.CloseRemove
	}
	c.d.b.Post(bus.Message{Kind: bus.DATA_OUT, Data: &bus.DataPayload{SessionID: c.id, Data: evt.Data}})
	return loop.OK
}
