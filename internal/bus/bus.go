// Package bus implements the process-wide topic-based publish/subscribe
// table that decouples input drivers, the session layer and the carrier
// adapter (spec.md §4.1). Delivery is synchronous and depth-first: a
// handler may itself Post, and that nested delivery completes before
// control returns to the original Post call.
package bus

import (
	"fmt"
	"sync"

	"github.com/xtaci/dnstun/internal/packet"
)

// PacketPayload is the payload of PACKET_OUT and PACKET_IN messages.
type PacketPayload struct {
	Packet *packet.Packet
}

// Message is a tagged union of bus events. Only the field matching Kind
// is populated.
type Message struct {
	Kind Kind

	CreateSession *CreateSessionPayload
	Session       *SessionPayload
	Data          *DataPayload
	PacketMsg     *PacketPayload
	ConfigInt     *ConfigIntPayload
}

// Handler receives a Message published to a Kind it subscribed to.
type Handler func(ctx interface{}, msg Message)

type subscription struct {
	handler Handler
	ctx     interface{}
}

// Bus is an explicit, constructed pub/sub table — design note 9 replaces
// the original's global singleton with a value every component receives
// at construction, even though in practice one Bus is built per process.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]subscription)}
}

// Subscribe registers handler to be invoked, with ctx, for every Message
// of the given Kind, in the order Subscribe was called.
func (b *Bus) Subscribe(kind Kind, handler Handler, ctx interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], subscription{handler, ctx})
}

// Post invokes every subscriber of msg.Kind synchronously, in subscription
// order, on the calling goroutine. Delivery to a kind with no subscribers
// is a no-op, not an error.
func (b *Bus) Post(msg Message) {
	b.mu.RLock()
	subs := b.subscribers[msg.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(s.ctx, msg)
	}
}

// MustHandle panics if kind is not among the kinds a component declares it
// handles. Subscribers must only ever be invoked for kinds they registered
// for (bus.Subscribe guarantees this); MustHandle exists for components
// whose dispatch switch should fail fast — an assertion-class fault per
// spec.md §7 — rather than silently ignore an unrecognized kind it was
// handed directly (e.g. in a test harness bypassing Subscribe).
func MustHandle(kind Kind, allowed ...Kind) {
	for _, k := range allowed {
		if k == kind {
			return
		}
	}
	panic(fmt.Sprintf("bus: handler invoked for unregistered kind %v", kind))
}

// Cleanup releases the subscriber table. Components must not Post after
// SHUTDOWN has been delivered and Cleanup called.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[Kind][]subscription)
}
