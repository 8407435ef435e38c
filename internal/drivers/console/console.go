// Package console implements the interactive stdin/stdout input driver
// described as an external collaborator in spec.md §1/§6: it is not part
// of the core's correctness surface, but it is the simplest concrete
// realization of the input-driver contract, and is wired up end-to-end
// here in the teacher's style (compare client/main.go's handleClient,
// adapted from piping net.Conn bytes to piping stdin/stdout).
package console

import (
	"io"
	"log"
	"os"

	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
)

// Driver wires os.Stdin/os.Stdout to one session.
type Driver struct {
	b         *bus.Bus
	name      string
	sessionID uint16
	events    chan loop.SourceEvent
	quiet     bool
}

// New constructs a console Driver. name, if non-empty, is forwarded into
// the session's SYN per SPEC_FULL.md's name-handling resolution.
func New(b *bus.Bus, name string, quiet bool) *Driver {
	d := &Driver{b: b, name: name, events: make(chan loop.SourceEvent, 16), quiet: quiet}

	b.Subscribe(bus.START, func(ctx interface{}, msg bus.Message) { d.onStart() }, nil)
	b.Subscribe(bus.DATA_IN, func(ctx interface{}, msg bus.Message) { d.onDataIn(msg) }, nil)
	b.Subscribe(bus.SESSION_CLOSED, func(ctx interface{}, msg bus.Message) { d.onSessionClosed(msg) }, nil)

	return d
}

func (d *Driver) onStart() {
	var id uint16
	d.b.Post(bus.Message{
		Kind:          bus.CREATE_SESSION,
		CreateSession: &bus.CreateSessionPayload{Name: d.name, SessionID: &id},
	})
	d.sessionID = id
	go d.readStdin()
}

func (d *Driver) readStdin() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.events <- loop.SourceEvent{Data: data}
		}
		if err != nil {
			d.events <- loop.SourceEvent{Err: err}
			close(d.events)
			return
		}
	}
}

// Events implements loop.Source.
func (d *Driver) Events() <-chan loop.SourceEvent { return d.events }

// Close implements loop.Source.
func (d *Driver) Close() error { return nil }

// Handle implements loop.Source: forwards stdin reads as DATA_OUT, and on
// local EOF requests the session (and, since console is the sole
// producer, the whole process) shut down.
func (d *Driver) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		if evt.Err != io.EOF && !d.quiet {
			log.Printf("dnstun: console read error: %v", evt.Err)
		}
		d.b.Post(bus.Message{Kind: bus.CLOSE_SESSION, Session: &bus.SessionPayload{SessionID: d.sessionID}})
		d.b.Post(bus.Message{Kind: bus.SHUTDOWN})
		return loop.CloseRemove
	}

	d.b.Post(bus.Message{Kind: bus.DATA_OUT, Data: &bus.DataPayload{SessionID: d.sessionID, Data: evt.Data}})
	return loop.OK
}

func (d *Driver) onDataIn(msg bus.Message) {
	if msg.Data.SessionID != d.sessionID {
		return
	}
	os.Stdout.Write(msg.Data.Data)
}

func (d *Driver) onSessionClosed(msg bus.Message) {
	if msg.Session.SessionID != d.sessionID {
		return
	}
	if !d.quiet {
		log.Println("dnstun: session closed")
	}
}
