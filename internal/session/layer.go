package session

import (
	"log"
	"math/rand"

	"github.com/fatih/color"
	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/packet"
)

// headerOverhead is the byte cost of packet_id+type+session_id+seq+ack —
// the fixed part of an MSG packet's header — subtracted from
// max_packet_length to get the usable data budget per spec.md §4.4 step 2.
const headerOverhead = 2 + 1 + 2 + 2 + 2

// Layer is the session-layer component of spec.md §4.4: it owns the
// Registry, runs the heartbeat precedence list, and dispatches PACKET_IN
// by type. It is driven exclusively from the loop goroutine.
type Layer struct {
	b        *bus.Bus
	registry *Registry

	maxPacketLength int

	// order is the round-robin visiting order for HEARTBEAT; rrCursor is
	// the index to resume from on the next HEARTBEAT.
	order    []uint16
	rrCursor int
}

// NewLayer constructs a Layer and subscribes it to every bus kind it
// participates in.
func NewLayer(b *bus.Bus) *Layer {
	l := &Layer{
		b:               b,
		registry:        NewRegistry(b),
		maxPacketLength: 100, // conservative default until CONFIG_INT arrives
	}

	b.Subscribe(bus.CREATE_SESSION, func(ctx interface{}, msg bus.Message) { l.onCreateSession(msg) }, nil)
	b.Subscribe(bus.CLOSE_SESSION, func(ctx interface{}, msg bus.Message) { l.onCloseSession(msg) }, nil)
	b.Subscribe(bus.DATA_OUT, func(ctx interface{}, msg bus.Message) { l.onDataOut(msg) }, nil)
	b.Subscribe(bus.PACKET_IN, func(ctx interface{}, msg bus.Message) { l.onPacketIn(msg) }, nil)
	b.Subscribe(bus.HEARTBEAT, func(ctx interface{}, msg bus.Message) { l.onHeartbeat() }, nil)
	b.Subscribe(bus.CONFIG_INT, func(ctx interface{}, msg bus.Message) { l.onConfigInt(msg) }, nil)
	b.Subscribe(bus.SHUTDOWN, func(ctx interface{}, msg bus.Message) { l.onShutdown() }, nil)

	return l
}

func (l *Layer) onConfigInt(msg bus.Message) {
	if msg.ConfigInt.Key == "max_packet_length" {
		l.maxPacketLength = msg.ConfigInt.Value
	}
}

// onCreateSession allocates a session, queues its SYN as the first
// pending packet, and returns the new session_id synchronously through
// the payload's SessionID pointer.
func (l *Layer) onCreateSession(msg bus.Message) {
	p := msg.CreateSession
	s := l.registry.Create()

	if p.TunnelHost != "" {
		s.TunnelHost = p.TunnelHost
		s.TunnelPort = p.TunnelPort
		s.HasTunnel = true
	}
	s.Name = p.Name

	flags := uint16(0)
	if s.Name != "" {
		flags |= packet.FlagName
	}
	if s.HasTunnel {
		flags |= packet.FlagTunnel
	}

	syn := &packet.Packet{
		PacketID:   nonce(),
		Type:       packet.SYN,
		SessionID:  s.ID,
		InitialSeq: s.MySeq,
		Flags:      flags,
		Name:       s.Name,
		TunnelHost: s.TunnelHost,
		TunnelPort: s.TunnelPort,
	}
	s.pending = &pendingPacket{packetID: syn.PacketID, typ: packet.SYN}

	l.order = append(l.order, s.ID)

	if p.SessionID != nil {
		*p.SessionID = s.ID
	}

	l.emit(syn)
}

func (l *Layer) onCloseSession(msg bus.Message) {
	id := msg.Session.SessionID
	s := l.registry.Lookup(id)
	if s == nil || s.State == CLOSED {
		return
	}
	l.sendFIN(s, "closed locally")
	l.registry.Close(id)
	l.pruneOrder(id)
}

func (l *Layer) onDataOut(msg bus.Message) {
	d := msg.Data
	s := l.registry.Lookup(d.SessionID)
	if s == nil || s.State == CLOSED {
		color.Yellow("dnstun: DATA_OUT for closed/unknown session %d discarded", d.SessionID)
		return
	}
	s.OutgoingBuffer.Write(d.Data)
}

func (l *Layer) onShutdown() {
	l.registry.ForEach(func(s *Session) {
		if s.State != CLOSED {
			s.State = CLOSED
		}
	})
}

// onHeartbeat implements spec.md §4.4's precedence list, choosing exactly
// one session in round-robin order.
func (l *Layer) onHeartbeat() {
	n := len(l.order)
	if n == 0 {
		l.emit(l.buildPing())
		return
	}

	for i := 0; i < n; i++ {
		idx := (l.rrCursor + i) % n
		id := l.order[idx]
		s := l.registry.Lookup(id)
		if s == nil {
			continue
		}
		if !s.HasWork() {
			continue
		}

		l.rrCursor = (idx + 1) % n
		l.serviceSession(s)
		return
	}

	// No session has work: keep the carrier pulsing.
	l.emit(l.buildPing())
}

func (l *Layer) serviceSession(s *Session) {
	switch {
	case s.pending != nil:
		l.retransmit(s)
	case s.OutgoingBuffer.Len() > 0:
		l.sendMSG(s)
	case s.State == NEW:
		l.resendSYN(s)
	}
}

func (l *Layer) retransmit(s *Session) {
	p := s.pending
	switch p.typ {
	case packet.SYN:
		pkt := &packet.Packet{
			PacketID:   nonce(),
			Type:       packet.SYN,
			SessionID:  s.ID,
			InitialSeq: s.MySeq,
			Name:       s.Name,
			TunnelHost: s.TunnelHost,
			TunnelPort: s.TunnelPort,
		}
		if s.Name != "" {
			pkt.Flags |= packet.FlagName
		}
		if s.HasTunnel {
			pkt.Flags |= packet.FlagTunnel
		}
		p.packetID = pkt.PacketID
		l.emit(pkt)
	case packet.MSG:
		pkt := &packet.Packet{
			PacketID:  nonce(),
			Type:      packet.MSG,
			SessionID: s.ID,
			Seq:       p.seq,
			Ack:       s.TheirSeq, // refresh ack to reflect bytes delivered since original send
			Data:      p.data,
		}
		p.packetID = pkt.PacketID
		l.emit(pkt)
	}
}

func (l *Layer) sendMSG(s *Session) {
	budget := l.maxPacketLength - headerOverhead
	if budget <= 0 {
		budget = 1
	}
	data := s.OutgoingBuffer.Bytes()
	if len(data) > budget {
		data = data[:budget]
	}
	// copy: OutgoingBuffer.Bytes() aliases the buffer's internal storage,
	// which later Write/Truncate calls may invalidate.
	buf := make([]byte, len(data))
	copy(buf, data)

	pkt := &packet.Packet{
		PacketID:  nonce(),
		Type:      packet.MSG,
		SessionID: s.ID,
		Seq:       s.MySeq,
		Ack:       s.TheirSeq,
		Data:      buf,
	}
	s.pending = &pendingPacket{packetID: pkt.PacketID, typ: packet.MSG, seq: s.MySeq, data: buf}
	l.emit(pkt)
}

func (l *Layer) resendSYN(s *Session) {
	flags := uint16(0)
	if s.Name != "" {
		flags |= packet.FlagName
	}
	if s.HasTunnel {
		flags |= packet.FlagTunnel
	}
	pkt := &packet.Packet{
		PacketID:   nonce(),
		Type:       packet.SYN,
		SessionID:  s.ID,
		InitialSeq: s.MySeq,
		Flags:      flags,
		Name:       s.Name,
		TunnelHost: s.TunnelHost,
		TunnelPort: s.TunnelPort,
	}
	s.pending = &pendingPacket{packetID: pkt.PacketID, typ: packet.SYN}
	l.emit(pkt)
}

func (l *Layer) buildPing() *packet.Packet {
	return &packet.Packet{
		PacketID: nonce(),
		Type:     packet.PING,
		PingID:   nonce(),
		Data:     []byte("dnstun"),
	}
}

// onPacketIn dispatches a decoded packet by type, per spec.md §4.4.
func (l *Layer) onPacketIn(msg bus.Message) {
	p := msg.PacketMsg.Packet

	if p.Type == packet.PING {
		l.emit(&packet.Packet{PacketID: nonce(), Type: packet.PING, PingID: p.PingID, Data: p.Data})
		return
	}

	s := l.registry.Lookup(p.SessionID)
	if s == nil {
		l.sendFINForUnknown(p.SessionID)
		return
	}
	if s.State == CLOSED {
		l.sendFINForUnknown(p.SessionID)
		return
	}

	switch p.Type {
	case packet.SYN:
		l.handleSynAck(s, p)
	case packet.MSG:
		l.handleMsg(s, p)
	case packet.FIN:
		l.handleFin(s, p)
	default:
		log.Printf("dnstun: dropping packet of unexpected type %v for session %d", p.Type, s.ID)
	}
}

func (l *Layer) handleSynAck(s *Session, p *packet.Packet) {
	if s.State != NEW {
		return
	}
	s.TheirSeq = p.InitialSeq
	s.pending = nil
	s.State = ESTABLISHED
	l.b.Post(bus.Message{Kind: bus.SESSION_CREATED, Session: &bus.SessionPayload{SessionID: s.ID}})
}

func (l *Layer) handleMsg(s *Session, p *packet.Packet) {
	if windowExceeded(p.Seq, s.TheirSeq) {
		log.Printf("dnstun: dropping MSG for session %d: sequence far outside window", s.ID)
		return
	}

	// A positive gap means p.Seq starts after s.TheirSeq: bytes are
	// missing between what we've already consumed and this packet's
	// start. The carrier is polled request/response with at most one
	// packet in flight, so there is no reordering buffer to fill the
	// gap — the packet's data is dropped (spec.md §4.4: "Packets
	// entirely outside the window are dropped"). The ack it carries is
	// still processed below.
	gap := diff16(p.Seq, s.TheirSeq)
	if gap <= 0 {
		n := diff16(p.Seq+uint16(len(p.Data)), s.TheirSeq)
		if n > 0 {
			newBytes := int(n)
			if newBytes > len(p.Data) {
				newBytes = len(p.Data)
			}
			suffix := p.Data[len(p.Data)-newBytes:]
			s.IncomingBuffer.Write(suffix)
			s.TheirSeq += uint16(newBytes)
			if len(suffix) > 0 {
				l.b.Post(bus.Message{
					Kind: bus.DATA_IN,
					Data: &bus.DataPayload{SessionID: s.ID, Data: suffix},
				})
			}
		}
	}

	if s.pending != nil && s.pending.typ == packet.MSG {
		acked := diff16(p.Ack, s.MySeq)
		if acked > 0 && int(acked) <= len(s.pending.data) {
			s.OutgoingBuffer.Next(int(acked))
			s.MySeq += uint16(acked)
			s.pending = nil
		}
	}
}

func (l *Layer) handleFin(s *Session, p *packet.Packet) {
	if s.IncomingBuffer.Len() > 0 {
		remaining := s.IncomingBuffer.Bytes()
		l.b.Post(bus.Message{Kind: bus.DATA_IN, Data: &bus.DataPayload{SessionID: s.ID, Data: remaining}})
		s.IncomingBuffer.Reset()
	}
	l.registry.Close(s.ID)
	l.pruneOrder(s.ID)
	l.emit(&packet.Packet{PacketID: nonce(), Type: packet.FIN, SessionID: s.ID, Reason: p.Reason})
}

func (l *Layer) sendFIN(s *Session, reason string) {
	l.emit(&packet.Packet{PacketID: nonce(), Type: packet.FIN, SessionID: s.ID, Reason: reason})
}

func (l *Layer) sendFINForUnknown(sessionID uint16) {
	l.emit(&packet.Packet{PacketID: nonce(), Type: packet.FIN, SessionID: sessionID, Reason: "unknown session"})
}

func (l *Layer) pruneOrder(id uint16) {
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			if l.rrCursor > i {
				l.rrCursor--
			}
			return
		}
	}
}

func (l *Layer) emit(p *packet.Packet) {
	l.b.Post(bus.Message{Kind: bus.PACKET_OUT, PacketMsg: &bus.PacketPayload{Packet: p}})
}

func nonce() uint16 {
	return uint16(rand.Intn(1 << 16))
}

// Registry exposes the underlying Registry for drivers that need to
// confirm a session still exists (e.g. before writing DATA_OUT) without
// going through the bus.
func (l *Layer) Registry() *Registry {
	return l.registry
}
