// Package dns implements the DNS carrier adapter of spec.md §4.6: it
// encodes application packets into bounded DNS TXT queries, sends them to
// an upstream resolver over UDP, parses the responses, and enforces the
// carrier's name-length budget.
package dns

import (
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	miekgdns "github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/loop"
	"github.com/xtaci/dnstun/internal/packet"
)

// compression markers prefixed to every datagram payload ahead of the
// encoded packet, so a receiver with a different nocomp setting (or a
// packet that happened not to shrink) can still be decoded unambiguously.
const (
	markerPlain      = 0x00
	markerCompressed = 0x01
)

// Adapter is the DNS carrier's encoding state (spec.md §3 "Carrier
// encoding state"): domain suffix, upstream resolver, active UDP socket,
// and the advertised max_packet_length.
type Adapter struct {
	domainSuffix string
	upstream     *net.UDPAddr
	conn         *net.UDPConn

	maxPacketLength int
	noComp          bool

	b    *bus.Bus
	loop *loop.Loop

	events chan loop.SourceEvent
}

// New opens the adapter's UDP socket, computes max_packet_length, and
// subscribes to START and PACKET_OUT. Call Register(l) to hand the
// adapter's UDP reads to the event loop. noComp disables the optional
// snappy compression of each datagram's payload.
func New(b *bus.Bus, domainSuffix, resolverHost string, resolverPort int, noComp bool) (*Adapter, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "dns: open UDP socket")
	}

	upstream, err := net.ResolveUDPAddr("udp", net.JoinHostPort(resolverHost, strconv.Itoa(resolverPort)))
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "dns: resolve upstream")
	}

	budget := maxPayloadBytes(domainSuffix) - 1 // reserve the leading compression marker byte
	if budget < 0 {
		budget = 0
	}

	a := &Adapter{
		domainSuffix:    strings.TrimSuffix(domainSuffix, "."),
		upstream:        upstream,
		conn:            conn,
		maxPacketLength: budget,
		noComp:          noComp,
		b:               b,
		events:          make(chan loop.SourceEvent, 16),
	}

	b.Subscribe(bus.START, func(ctx interface{}, msg bus.Message) { a.onStart() }, nil)
	b.Subscribe(bus.PACKET_OUT, func(ctx interface{}, msg bus.Message) { a.onPacketOut(msg) }, nil)

	return a, nil
}

// Register wires the adapter's UDP socket into the event loop. The
// adapter's own reader goroutine is the only one that ever touches conn
// for reading; Handle runs on the loop goroutine.
func (a *Adapter) Register(l *loop.Loop) {
	a.loop = l
	go a.readLoop()
	l.Register(a)
}

func (a *Adapter) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			a.events <- loop.SourceEvent{Err: err}
			close(a.events)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		a.events <- loop.SourceEvent{Data: data, Addr: addr}
	}
}

// Events implements loop.Source.
func (a *Adapter) Events() <-chan loop.SourceEvent { return a.events }

// Close implements loop.Source.
func (a *Adapter) Close() error { return a.conn.Close() }

// Handle implements loop.Source. A closed UDP socket is fatal per
// spec.md §4.7 — the adapter has no way to rebind while preserving
// session identity with a stateful server, so the process exits.
func (a *Adapter) Handle(evt loop.SourceEvent) loop.Action {
	if evt.Err != nil {
		log.Fatalf("dnstun: carrier socket lost: %v", evt.Err)
	}
	a.handleResponse(evt.Data)
	return loop.OK
}

func (a *Adapter) onStart() {
	a.b.Post(bus.Message{
		Kind:      bus.CONFIG_INT,
		ConfigInt: &bus.ConfigIntPayload{Key: "max_packet_length", Value: a.maxPacketLength},
	})
}

// onPacketOut encodes and sends one packet as a single DNS TXT query,
// per spec.md §4.6 / §6.
func (a *Adapter) onPacketOut(msg bus.Message) {
	p := msg.PacketMsg.Packet

	encoded, err := packet.Encode(p)
	if err != nil {
		log.Printf("dnstun: dropping unencodable packet: %v", err)
		return
	}
	if len(encoded) > a.maxPacketLength {
		// Contract violation: the session layer must never build a
		// packet exceeding the advertised budget.
		panic(errors.Errorf("dnstun: packet of %d bytes exceeds max_packet_length %d", len(encoded), a.maxPacketLength))
	}

	payload := a.compress(encoded)
	name := encodeName(payload, a.domainSuffix) + "."

	query := new(miekgdns.Msg)
	query.Id = uint16(rand.Intn(1 << 16))
	query.RecursionDesired = true
	query.Question = []miekgdns.Question{{
		Name:   name,
		Qtype:  miekgdns.TypeTXT,
		Qclass: miekgdns.ClassINET,
	}}

	wire, err := query.Pack()
	if err != nil {
		log.Printf("dnstun: failed to pack DNS query: %v", err)
		return
	}

	if _, err := a.conn.WriteToUDP(wire, a.upstream); err != nil {
		log.Printf("dnstun: failed to send DNS query: %v", err)
	}
}

// handleResponse parses a raw UDP datagram as a DNS response and, if it
// carries a usable TXT answer, decodes and publishes PACKET_IN. All
// failure modes here are transient-carrier per spec.md §7: logged and
// dropped, never fatal.
func (a *Adapter) handleResponse(data []byte) {
	resp := new(miekgdns.Msg)
	if err := resp.Unpack(data); err != nil {
		log.Printf("dnstun: dropping unparseable DNS response: %v", err)
		return
	}

	if resp.Rcode != miekgdns.RcodeSuccess {
		log.Printf("dnstun: dropping DNS response with rcode %d", resp.Rcode)
		return
	}
	if len(resp.Question) != 1 || len(resp.Answer) != 1 {
		log.Printf("dnstun: dropping DNS response with qdcount=%d ancount=%d", len(resp.Question), len(resp.Answer))
		return
	}

	txt, ok := resp.Answer[0].(*miekgdns.TXT)
	if !ok {
		log.Printf("dnstun: dropping DNS response with non-TXT answer")
		return
	}

	hexData := strings.Join(txt.Txt, "")
	if hexData == a.domainSuffix {
		// The "nil" response: the server had nothing to say.
		return
	}

	payload, err := decodePayload(hexData)
	if err != nil {
		log.Printf("dnstun: dropping DNS response with unparseable TXT content: %v", err)
		return
	}

	raw, err := a.decompress(payload)
	if err != nil {
		log.Printf("dnstun: dropping DNS response with unreadable payload: %v", err)
		return
	}

	p, err := packet.Decode(raw)
	if err != nil {
		log.Printf("dnstun: dropping malformed packet: %v", err)
		return
	}

	a.b.Post(bus.Message{Kind: bus.PACKET_IN, PacketMsg: &bus.PacketPayload{Packet: p}})
}

// compress prepends the compression marker, snappy-encoding encoded
// (the teacher's own optional codec, via its block API rather than the
// streaming one: one MSG is one self-contained frame, not a byte stream)
// unless noComp was set. Snappy can expand incompressible input by a few
// bytes; since the marker+payload must still fit the name budget, the
// plain form is kept whenever compression doesn't actually shrink it.
func (a *Adapter) compress(encoded []byte) []byte {
	if a.noComp {
		return append([]byte{markerPlain}, encoded...)
	}
	compressed := snappy.Encode(nil, encoded)
	if len(compressed) >= len(encoded) {
		return append([]byte{markerPlain}, encoded...)
	}
	return append([]byte{markerCompressed}, compressed...)
}

func (a *Adapter) decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("dns: empty payload")
	}
	marker, body := payload[0], payload[1:]
	switch marker {
	case markerPlain:
		return body, nil
	case markerCompressed:
		return snappy.Decode(nil, body)
	default:
		return nil, errors.Errorf("dns: unknown compression marker %#x", marker)
	}
}
