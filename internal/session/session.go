// Package session implements the per-session reliable byte-stream state
// machine (spec.md §4.4) and its registry (§4.5). It runs on top of an
// unreliable, polled, request/response carrier: at most one packet per
// session is ever in flight, and the only driver of retransmission is the
// next HEARTBEAT.
package session

import (
	"bytes"

	"github.com/xtaci/dnstun/internal/packet"
)

// State is a Session's position in the NEW/ESTABLISHED/CLOSED machine.
type State int

const (
	NEW State = iota
	ESTABLISHED
	CLOSED
)

func (s State) String() string {
	switch s {
	case NEW:
		return "NEW"
	case ESTABLISHED:
		return "ESTABLISHED"
	case CLOSED:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// pendingPacket is the reconstructible form of the last packet sent for a
// session while awaiting a response. Design note 9: store the parameters
// (seq, data) rather than the serialized bytes; ack is not stored, so
// retransmission takes the current TheirSeq to reflect bytes delivered
// since the original send.
type pendingPacket struct {
	packetID uint16
	typ      packet.Type
	seq      uint16
	data     []byte // only meaningful for typ == packet.MSG
}

// Session is one logical bidirectional byte stream multiplexed over the
// carrier (spec.md §3).
type Session struct {
	ID    uint16
	State State

	MySeq    uint16 // next outbound byte number
	TheirSeq uint16 // next expected inbound byte number

	OutgoingBuffer bytes.Buffer // bytes not yet acknowledged
	IncomingBuffer bytes.Buffer // bytes delivered to the local consumer

	Name string

	TunnelHost string
	TunnelPort uint16
	HasTunnel  bool

	pending *pendingPacket
}

// HasWork reports whether the session has anything to send on the next
// heartbeat opportunity: an in-flight packet to re-emit, buffered
// outgoing bytes, or a still-pending SYN.
func (s *Session) HasWork() bool {
	if s.State == CLOSED {
		return false
	}
	return s.pending != nil || s.OutgoingBuffer.Len() > 0 || s.State == NEW
}
