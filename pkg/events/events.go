// Package events implements the node-wide lifecycle event stream: a
// multi-subscriber publisher where each subscription gets its own bounded
// queue, and a slow consumer never back-pressures the publisher — the
// oldest queued event is dropped to make room for the newest.
package events

import (
	"sync"
)

// Kind enumerates every lifecycle event a node can publish.
type Kind int

const (
	Started Kind = iota
	Stopped
	NatDetected
	PeerDiscovered
	PeerConnected
	PeerDisconnected
	PeerUnreachable
	RelayConnected
	RelayDisconnected
	HolePunchStarted
	HolePunchSucceeded
	HolePunchFailed
	MessageSendFailed
	NetworkJoined
	NetworkLeft
	Warning
	Error
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "Started"
	case Stopped:
		return "Stopped"
	case NatDetected:
		return "NatDetected"
	case PeerDiscovered:
		return "PeerDiscovered"
	case PeerConnected:
		return "PeerConnected"
	case PeerDisconnected:
		return "PeerDisconnected"
	case PeerUnreachable:
		return "PeerUnreachable"
	case RelayConnected:
		return "RelayConnected"
	case RelayDisconnected:
		return "RelayDisconnected"
	case HolePunchStarted:
		return "HolePunchStarted"
	case HolePunchSucceeded:
		return "HolePunchSucceeded"
	case HolePunchFailed:
		return "HolePunchFailed"
	case MessageSendFailed:
		return "MessageSendFailed"
	case NetworkJoined:
		return "NetworkJoined"
	case NetworkLeft:
		return "NetworkLeft"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// DefaultQueueSize bounds how many unconsumed events a single subscriber
// holds before the oldest is dropped to make room for the newest.
const DefaultQueueSize = 64

// Event is one published occurrence. PeerID and Err are set only when the
// Kind carries them; Detail is a free-form human-readable note.
type Event struct {
	Kind   Kind
	PeerID []byte
	Err    error
	Detail string
}

type subscriber struct {
	ch chan Event
}

// Publisher fans one stream of Events out to any number of independent
// subscribers.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	queueSize   int
	closed      bool
}

func New(queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		subscribers: make(map[*subscriber]struct{}),
		queueSize:   queueSize,
	}
}

// Subscribe returns a receive-only channel of events from this point
// forward. The channel is closed when Close is called on the Publisher or
// when Unsubscribe is called with it.
func (p *Publisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, p.queueSize)}
	if p.closed {
		close(sub.ch)
		return sub.ch
	}
	p.subscribers[sub] = struct{}{}
	return sub.ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes
// it. It is a no-op if ch was not (or is no longer) subscribed.
func (p *Publisher) Unsubscribe(ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subscribers {
		if sub.ch == ch {
			delete(p.subscribers, sub)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers ev to every current subscriber. A subscriber whose
// queue is full has its oldest event dropped to make room; Publish never
// blocks the caller waiting on a slow consumer.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Close ends the event stream: every subscriber channel is closed and no
// further subscriptions are accepted.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subscribers {
		close(sub.ch)
	}
	p.subscribers = make(map[*subscriber]struct{})
}

// Helpers for the common shapes, so callers don't hand-build Event{} at
// every call site.

func (p *Publisher) PeerEvent(kind Kind, peerID []byte) {
	p.Publish(Event{Kind: kind, PeerID: peerID})
}

func (p *Publisher) ErrEvent(kind Kind, peerID []byte, err error) {
	p.Publish(Event{Kind: kind, PeerID: peerID, Err: err})
}

func (p *Publisher) Note(kind Kind, detail string) {
	p.Publish(Event{Kind: kind, Detail: detail})
}
