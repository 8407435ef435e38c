package packet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrMalformed is wrapped by every decode failure so callers can tell a
// transient carrier error (spec.md §7 "Transient carrier") from a
// programming error with errors.Is.
var ErrMalformed = errors.New("packet: malformed")

// Encode serializes p into its wire form. The result is exactly as large
// as the fields it carries — Encode never pads and never truncates; the
// session layer is responsible for keeping MSG.Data within the
// advertised max_packet_length, and the carrier adapter only asserts it
// on the encoded result.
func Encode(p *Packet) ([]byte, error) {
	var buf bytes.Buffer

	if p.Type == PING {
		binary.Write(&buf, binary.BigEndian, p.PacketID)
		buf.WriteByte(byte(PING))
		binary.Write(&buf, binary.BigEndian, p.PingID)
		buf.Write(p.Data)
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}

	binary.Write(&buf, binary.BigEndian, p.PacketID)
	buf.WriteByte(byte(p.Type))
	binary.Write(&buf, binary.BigEndian, p.SessionID)

	switch p.Type {
	case SYN:
		binary.Write(&buf, binary.BigEndian, p.InitialSeq)
		binary.Write(&buf, binary.BigEndian, p.Flags)
		if p.HasName() {
			buf.WriteString(p.Name)
			buf.WriteByte(0)
		}
		if p.HasTunnel() {
			buf.WriteString(p.TunnelHost)
			buf.WriteByte(0)
			binary.Write(&buf, binary.BigEndian, p.TunnelPort)
		}
	case MSG:
		binary.Write(&buf, binary.BigEndian, p.Seq)
		binary.Write(&buf, binary.BigEndian, p.Ack)
		buf.Write(p.Data)
	case FIN:
		buf.WriteString(p.Reason)
		buf.WriteByte(0)
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown packet type %v", p.Type)
	}

	return buf.Bytes(), nil
}

// Decode parses the wire form produced by Encode. It validates type and
// structure and returns an error wrapping ErrMalformed on any failure —
// callers should log and drop rather than propagate, per spec.md §7.
func Decode(b []byte) (*Packet, error) {
	if len(b) < 3 {
		return nil, errors.Wrap(ErrMalformed, "short header")
	}
	r := bufio.NewReader(bytes.NewReader(b))

	p := &Packet{}

	if err := binary.Read(r, binary.BigEndian, &p.PacketID); err != nil {
		return nil, errors.Wrap(ErrMalformed, "packet_id")
	}
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "type")
	}
	p.Type = Type(typeByte)

	if p.Type == PING {
		if err := binary.Read(r, binary.BigEndian, &p.PingID); err != nil {
			return nil, errors.Wrap(ErrMalformed, "ping_id")
		}
		data, err := readNulTerminated(r)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "ping data")
		}
		p.Data = data
		return p, nil
	}

	if err := binary.Read(r, binary.BigEndian, &p.SessionID); err != nil {
		return nil, errors.Wrap(ErrMalformed, "session_id")
	}

	switch p.Type {
	case SYN:
		if err := binary.Read(r, binary.BigEndian, &p.InitialSeq); err != nil {
			return nil, errors.Wrap(ErrMalformed, "initial_seq")
		}
		if err := binary.Read(r, binary.BigEndian, &p.Flags); err != nil {
			return nil, errors.Wrap(ErrMalformed, "flags")
		}
		if p.HasName() {
			name, err := readNulTerminated(r)
			if err != nil {
				return nil, errors.Wrap(ErrMalformed, "name")
			}
			p.Name = string(name)
		}
		if p.HasTunnel() {
			host, err := readNulTerminated(r)
			if err != nil {
				return nil, errors.Wrap(ErrMalformed, "tunnel_host")
			}
			p.TunnelHost = string(host)
			if err := binary.Read(r, binary.BigEndian, &p.TunnelPort); err != nil {
				return nil, errors.Wrap(ErrMalformed, "tunnel_port")
			}
		}
	case MSG:
		if err := binary.Read(r, binary.BigEndian, &p.Seq); err != nil {
			return nil, errors.Wrap(ErrMalformed, "seq")
		}
		if err := binary.Read(r, binary.BigEndian, &p.Ack); err != nil {
			return nil, errors.Wrap(ErrMalformed, "ack")
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "data")
		}
		p.Data = data
	case FIN:
		reason, err := readNulTerminated(r)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "reason")
		}
		p.Reason = string(reason)
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown packet type %v", p.Type)
	}

	return p, nil
}

// readNulTerminated reads bytes up to and excluding a trailing 0x00.
func readNulTerminated(r *bufio.Reader) ([]byte, error) {
	s, err := r.ReadBytes(0)
	if err != nil {
		return nil, err
	}
	return s[:len(s)-1], nil
}
