// Package socks4 implements a minimal SOCKS4/SOCKS4a CONNECT driver
// (spec.md §1 names "an accepted TCP connection" as a driver concern;
// this is a thin dialect of the listener driver layered on top of the
// SOCKS4 handshake so a standard SOCKS client can point at the tunnel).
// This is explicitly peripheral to the core per spec.md §1's driver
// boundary, so the handshake itself is parsed with the standard library
// alone: there is no protocol library for SOCKS4 anywhere in the pack,
// and the handshake is eight fixed bytes plus one or two NUL-terminated
// strings.
//
// The handshake goroutine only ever performs raw connection I/O: it never
// posts to the bus or touches session state directly. Once negotiated, it
// stashes the parsed target behind Driver's own mutex and hands the
// connection to the loop as a SourceEvent, exactly like listener's accept
// loop; CREATE_SESSION is posted from Handle, on the loop goroutine, same
// as listener.Driver.Handle.
package socks4

import (
	"bufio"
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
)

const (
	socksVersion4 = 0x04
	cmdConnect    = 0x01

	replyGranted = 0x5a
	replyFailed  = 0x5b
)

// Driver accepts SOCKS4/SOCKS4a CONNECT requests and, once the handshake
// completes, maps the resulting connection to its own session exactly
// like the plain TCP listener driver.
type Driver struct {
	b    *bus.Bus
	loop *loop.Loop
	ln   net.Listener
	addr string

	events chan loop.SourceEvent

	mu      sync.Mutex
	clients map[uint16]net.Conn
	pending map[net.Conn]*pendingConn
}

// pendingConn is the parsed result of a completed SOCKS4 handshake,
// stashed by handshake() and consumed by Handle() on the loop goroutine.
// r must be kept rather than discarded: bufio.Reader may already hold
// bytes the client pipelined right after the handshake.
type pendingConn struct {
	r    *bufio.Reader
	host string
	port uint16
}

// New starts listening on addr for SOCKS4 clients.
func New(b *bus.Bus, addr string) (*Driver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "socks4: listen")
	}

	d := &Driver{
		b:       b,
		ln:      ln,
		addr:    addr,
		events:  make(chan loop.SourceEvent, 16),
		clients: make(map[uint16]net.Conn),
		pending: make(map[net.Conn]*pendingConn),
	}

	b.Subscribe(bus.DATA_IN, func(ctx interface{}, msg bus.Message) { d.onDataIn(msg) }, nil)
	b.Subscribe(bus.SESSION_CLOSED, func(ctx interface{}, msg bus.Message) { d.onSessionClosed(msg) }, nil)

	return d, nil
}

// Register starts accepting connections and registers the driver itself
// with l, so completed handshakes are delivered to Handle on the loop
// goroutine exactly like listener.Driver.
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
		go d.handshake(conn)
	}
}

// Events implements loop.Source.
func (d *Driver) Events() <-chan loop.SourceEvent { return d.events }

// Close implements loop.Source.
func (d *Driver) Close() error { return d.ln.Close() }

// Handle implements loop.Source: on a finished handshake, creates the
// session and registers the connection's reader with the loop; on
// listener failure, stops watching.
func (d *Driver) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		log.Printf("dnstun: socks4 %s: %v", d.addr, evt.Err)
		return loop.CloseRemove
	}

	conn := evt.Conn
	d.mu.Lock()
	pc, ok := d.pending[conn]
	if ok {
		delete(d.pending, conn)
	}
	d.mu.Unlock()
	if !ok {
		return loop.OK
	}

	var id uint16
	d.b.Post(bus.Message{
		Kind: bus.CREATE_SESSION,
		CreateSession: &bus.CreateSessionPayload{
			TunnelHost: pc.host,
			TunnelPort: pc.port,
			SessionID:  &id,
		},
	})

	d.mu.Lock()
	d.clients[id] = conn
	d.mu.Unlock()

	client := &clientSource{d: d, id: id, conn: conn, r: pc.r, events: make(chan loop.SourceEvent, 16)}
	go client.readLoop()
	d.loop.Register(client)

	return loop.OK
}

// handshake parses the SOCKS4/SOCKS4a CONNECT request. It performs only
// raw connection I/O — no bus post and no session-state access happen
// here, since this runs on its own goroutine rather than the loop
// goroutine. On success it stashes the parsed target and hands the
// connection to the loop via d.events, where Handle creates the session
// whose tunnel_target is the requested host:port — the tunnel itself, not
// this driver, dials out on the client's behalf.
func (d *Driver) handshake(conn net.Conn) {
	r := bufio.NewReader(conn)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		conn.Close()
		return
	}
	if header[0] != socksVersion4 || header[1] != cmdConnect {
		d.reject(conn)
		return
	}
	port := binary.BigEndian.Uint16(header[2:4])
	ip := net.IPv4(header[4], header[5], header[6], header[7])

	if _, err := r.ReadBytes(0); err != nil { // USERID, ignored
		conn.Close()
		return
	}

	host := ip.String()
	if header[4] == 0 && header[5] == 0 && header[6] == 0 && header[7] != 0 {
		// SOCKS4a: the "invalid" 0.0.0.x IP means the hostname follows as a
		// second NUL-terminated string.
		domain, err := r.ReadBytes(0)
		if err != nil {
			conn.Close()
			return
		}
		host = string(domain[:len(domain)-1])
	}

	reply := [8]byte{0x00, replyGranted}
	binary.BigEndian.PutUint16(reply[2:4], port)
	if _, err := conn.Write(reply[:]); err != nil {
		conn.Close()
		return
	}

	d.mu.Lock()
	d.pending[conn] = &pendingConn{r: r, host: host, port: port}
	d.mu.Unlock()

	d.events <- loop.SourceEvent{Conn: conn}
}

func (d *Driver) reject(conn net.Conn) {
	reply := [8]byte{0x00, replyFailed}
	conn.Write(reply[:])
	conn.Close()
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

// clientSource is the loop.Source for one post-handshake SOCKS4
// connection, identical in shape to the plain listener driver's.
type clientSource struct {
	d      *Driver
	id     uint16
	conn   net.Conn
	r      *bufio.Reader
	events chan loop.SourceEvent
}

func (c *clientSource) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.r.Read(buf)
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
			log.Printf("dnstun: socks4: client %d read error: %v", c.id, evt.Err)
		}
		c.d.b.Post(bus.Message{Kind: bus.CLOSE_SESSION, Session: &bus.SessionPayload{SessionID: c.id}})
		return loop.CloseRemove
	}
	c.d.b.Post(bus.Message{Kind: bus.DATA_OUT, Data: &bus.DataPayload{SessionID: c.id, Data: evt.Data}})
	return loop.OK
}
