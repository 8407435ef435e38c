// Package packet implements the wire codec for the application-level
// packets that travel inside one carrier query/response round trip:
// SYN, MSG, FIN and PING. Encode/Decode are pure functions — no I/O, no
// state — per spec.md's packet codec component.
package packet

import "fmt"

// Type identifies the wire type of a Packet.
type Type uint8

const (
	SYN Type = 0x00
	MSG Type = 0x01
	FIN Type = 0x02
	// PING carries no session_id on the wire and is not attached to any
	// session; used only for liveness probing.
	PING Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case SYN:
		return "SYN"
	case MSG:
		return "MSG"
	case FIN:
		return "FIN"
	case PING:
		return "PING"
	default:
		return fmt.Sprintf("Type(%#02x)", uint8(t))
	}
}

// SYN flags.
const (
	FlagName   uint16 = 0x01
	FlagTunnel uint16 = 0x08
)

// Packet is the decoded form of one application PDU. Only the fields
// relevant to its Type are meaningful; see Encode/Decode.
type Packet struct {
	PacketID  uint16
	Type      Type
	SessionID uint16

	// SYN
	InitialSeq  uint16
	Flags       uint16
	Name        string
	TunnelHost  string
	TunnelPort  uint16

	// MSG
	Seq  uint16
	Ack  uint16
	Data []byte

	// FIN
	Reason string

	// PING
	PingID uint16
}

// HasName reports whether a SYN packet carries an optional name.
func (p *Packet) HasName() bool {
	return p.Flags&FlagName != 0
}

// HasTunnel reports whether a SYN packet carries an optional tunnel target.
func (p *Packet) HasTunnel() bool {
	return p.Flags&FlagTunnel != 0
}
