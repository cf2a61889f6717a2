// Package bus is the in-process stand-in for the service-discovery /
// messaging substrate agents use to reach the controller and each other.
// Delivery is addressed and asynchronous: each registered address owns a
// buffered inbox, and sends to a full inbox are dropped with a warning
// rather than blocking the sender.
package bus

import (
	"sync"

	"github.com/agoramarket/agora/internal/protocol"
	"github.com/agoramarket/agora/internal/telemetry"
)

const inboxBuf = 256

// Envelope wraps a protocol message with its routing addresses.
type Envelope struct {
	From string
	To   string
	Msg  protocol.Message
}

// Bus routes envelopes between registered addresses.
type Bus struct {
	mu       sync.RWMutex
	inboxes  map[string]chan Envelope
	fallback func(Envelope)
}

func New() *Bus {
	return &Bus{inboxes: make(map[string]chan Envelope)}
}

// Register creates an inbox for addr and returns its receive side.
// Registering an address twice replaces the old inbox, which is closed.
func (b *Bus) Register(addr string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.inboxes[addr]; ok {
		close(old)
	}
	ch := make(chan Envelope, inboxBuf)
	b.inboxes[addr] = ch
	return ch
}

// Deregister removes addr's inbox and closes it.
func (b *Bus) Deregister(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[addr]; ok {
		close(ch)
		delete(b.inboxes, addr)
	}
}

// SetFallback installs a handler for envelopes addressed to endpoints with
// no local inbox. Relay clients use it to route off-process traffic out a
// socket. Must be set before any Send that should reach it.
func (b *Bus) SetFallback(fn func(Envelope)) {
	b.mu.Lock()
	b.fallback = fn
	b.mu.Unlock()
}

// Send delivers e to its destination inbox without blocking. Unknown
// destinations go to the fallback when one is set, otherwise the envelope
// is dropped; full inboxes always drop.
//
// The read lock is held across the channel send: Register and Deregister
// close inboxes under the write lock, so an unlocked send could hit a
// channel closed in between. The send never blocks, so the hold is short.
func (b *Bus) Send(e Envelope) {
	b.mu.RLock()
	ch, ok := b.inboxes[e.To]
	if !ok {
		fallback := b.fallback
		b.mu.RUnlock()
		if fallback != nil {
			fallback(e)
			return
		}
		telemetry.Debugf("bus: no inbox for %s, dropping %s", e.To, e.Msg.Kind())
		return
	}
	defer b.mu.RUnlock()
	select {
	case ch <- e:
	default:
		telemetry.Metrics.InboxOverflows.Inc()
		telemetry.Warnf("bus: inbox full for %s, dropping %s", e.To, e.Msg.Kind())
	}
}
