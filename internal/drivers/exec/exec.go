// Package exec implements the spawned-child-process input driver
// (spec.md §1 "a spawned child process"): an external collaborator whose
// local process/pipe handling is out of the core's scope, wired here so
// the client is runnable end-to-end.
package exec

import (
	"io"
	"log"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
)

// Driver spawns one child process per client run and pipes its
// stdin/stdout through one session.
type Driver struct {
	b         *bus.Bus
	command   string
	sessionID uint16
	events    chan loop.SourceEvent

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// New prepares command (run via the shell, matching how the original
// dnscat2 client's -exec flag behaves) and subscribes the driver to the
// bus. The child process is started on START.
func New(b *bus.Bus, command string) (*Driver, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "exec: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "exec: stdout pipe")
	}
	cmd.Stderr = nil

	d := &Driver{
		b:       b,
		command: command,
		events:  make(chan loop.SourceEvent, 16),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
	}

	b.Subscribe(bus.START, func(ctx interface{}, msg bus.Message) { d.onStart() }, nil)
	b.Subscribe(bus.DATA_IN, func(ctx interface{}, msg bus.Message) { d.onDataIn(msg) }, nil)

	return d, nil
}

func (d *Driver) onStart() {
	if err := d.cmd.Start(); err != nil {
		log.Printf("dnstun: exec: failed to start %q: %v", d.command, err)
		return
	}

	var id uint16
	d.b.Post(bus.Message{
		Kind:          bus.CREATE_SESSION,
		CreateSession: &bus.CreateSessionPayload{SessionID: &id},
	})
	d.sessionID = id

	go d.readStdout()
}

func (d *Driver) readStdout() {
	buf := make([]byte, 4096)
	for {
		n, err := d.stdout.Read(buf)
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
func (d *Driver) Close() error {
	d.stdin.Close()
	return d.cmd.Process.Kill()
}

// Handle implements loop.Source.
func (d *Driver) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		d.b.Post(bus.Message{Kind: bus.CLOSE_SESSION, Session: &bus.SessionPayload{SessionID: d.sessionID}})
		return loop.CloseRemove
	}
	d.b.Post(bus.Message{Kind: bus.DATA_OUT, Data: &bus.DataPayload{SessionID: d.sessionID, Data: evt.Data}})
	return loop.OK
}

func (d *Driver) onDataIn(msg bus.Message) {
	if msg.Data.SessionID != d.sessionID {
		return
	}
	d.stdin.Write(msg.Data.Data)
}
