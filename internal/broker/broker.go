package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelPair is two FIFO channels bound oppositely at its two
// endpoints. The endpoint a worker holds for talking to a given peer
// has a Send channel (what it writes) and a Recv channel (what it
// reads); the peer's endpoint has them swapped, which is what Swap
// produces.
type ChannelPair struct {
	Send chan<- Envelope
	Recv <-chan Envelope
}

// newChannelPairs returns the two bound-oppositely endpoints of one
// logical pair: ours (for the broker's owner) and theirs (to hand to
// the spawned child).
func newChannelPairs(buf int) (ours, theirs ChannelPair) {
	toChild := make(chan Envelope, buf)
	toParent := make(chan Envelope, buf)
	ours = ChannelPair{Send: toChild, Recv: toParent}
	theirs = ChannelPair{Send: toParent, Recv: toChild}
	return ours, theirs
}

// defaultBufferSize is the channel buffer for each direction of a
// pair. A small buffer lets a worker's single parent-message slot
// (spec.md §4.2 handle_parent_message) and its own event loop make
// progress independently without every send blocking on the reader's
// exact scheduling.
const defaultBufferSize = 8

// Broker is a per-worker router owning channel endpoints to its
// parent and to its named children. It is only ever touched by its
// owning worker's goroutine (for Create/Send/Fetch) plus whatever
// goroutine is delivering an inbound message on the parent or a
// child's reply channel, so the mutex here guards the bookkeeping map,
// not the channels themselves.
type Broker struct {
	id uuid.UUID

	mu       sync.Mutex
	children map[string]ChannelPair
	parent   *ChannelPair
}

// New creates a broker with a fresh broker id and no parent bound
// (the root/supervisor case).
func New() *Broker {
	return &Broker{id: uuid.New(), children: make(map[string]ChannelPair)}
}

// NewChild creates a broker with its parent endpoint already bound,
// for a worker spawned by CreatePair.
func NewChild(parent ChannelPair) *Broker {
	b := New()
	b.parent = &parent
	return b
}

// ID returns this broker's signing id.
func (b *Broker) ID() uuid.UUID { return b.id }

// CreatePair constructs a new channel pair for a child named name,
// stores our endpoint, and returns the endpoint to hand to the
// spawned child (e.g. via NewChild).
func (b *Broker) CreatePair(name string) ChannelPair {
	ours, theirs := newChannelPairs(defaultBufferSize)

	b.mu.Lock()
	b.children[name] = ours
	b.mu.Unlock()

	return theirs
}

// RemovePair drops the bookkeeping entry for a child that has been
// joined or terminated. It does not close the channels: the worker
// base owns closing its send side once it knows no more messages will
// be sent (see internal/worker).
func (b *Broker) RemovePair(name string) {
	b.mu.Lock()
	delete(b.children, name)
	b.mu.Unlock()
}

// ChildNames returns the names of all currently-registered children,
// in no particular order.
func (b *Broker) ChildNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.children))
	for name := range b.children {
		names = append(names, name)
	}
	return names
}

func (b *Broker) childPair(name string) (ChannelPair, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.children[name]
	return p, ok
}

// sign stamps msg with this broker's id.
func (b *Broker) sign(msg Envelope) Envelope {
	msg.Sender = b.id
	return msg
}

// SendChild signs msg and enqueues it on the named child's send side.
// Returns an error if no child is registered under name.
func (b *Broker) SendChild(name string, msg Envelope) error {
	pair, ok := b.childPair(name)
	if !ok {
		return fmt.Errorf("%s: no such child", name)
	}
	msg.WantsReply = false
	// Blocking send: child channels are sized generously
	// (defaultBufferSize) and drained promptly by
	// handle_parent_message, so this only blocks transiently even
	// when the child is momentarily busy with its own event loop.
	pair.Send <- b.sign(msg)
	return nil
}

// FetchChild sends msg to the named child then blocks on its reply
// channel up to timeout. It returns a Failed envelope with
// "<name>: no such child" if name is unknown, and a Failed envelope
// with "recv timed out" if no reply arrives in time; otherwise it
// returns the child's reply verbatim.
func (b *Broker) FetchChild(name string, msg Envelope, timeout time.Duration) Envelope {
	pair, ok := b.childPair(name)
	if !ok {
		return Failed(fmt.Sprintf("%s: no such child", name))
	}

	msg.WantsReply = true
	msg = b.sign(msg)
	pair.Send <- msg

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-pair.Recv:
		return reply
	case <-timer.C:
		return Failed("recv timed out")
	}
}

// SendParent signs msg and enqueues it to the parent, silently
// dropping it if no parent is bound (the root/supervisor case has no
// parent to notify).
func (b *Broker) SendParent(msg Envelope) {
	if b.parent == nil {
		return
	}
	b.parent.Send <- b.sign(msg)
}

// RecvParent returns the channel on which parent-directed messages to
// this worker arrive, or nil if this worker has no parent (the root
// case). Used by the worker base's handle_parent_message.
func (b *Broker) RecvParent() <-chan Envelope {
	if b.parent == nil {
		return nil
	}
	return b.parent.Recv
}
