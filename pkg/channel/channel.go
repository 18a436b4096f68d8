// Package channel implements the application-facing channel registry and
// the send-side escalation ladder: onChannel/offChannel let callers bind
// handlers to named channels, and Send walks the Endpoint Manager's
// candidate paths for a peer, escalating from direct to hole-punch to
// relay with exponential backoff between attempts, until a path succeeds,
// every candidate path has failed once, or the caller's deadline runs out.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/omertamesh/omertamesh/pkg/endpoint"
	"github.com/omertamesh/omertamesh/pkg/wireformat"
)

const (
	// MinBackoff is the delay before the first retry after a failed path attempt.
	MinBackoff = 250 * time.Millisecond
	// MaxBackoff caps the escalation delay between path attempts.
	MaxBackoff = 5 * time.Second
)

var (
	ErrReservedChannel = errors.New("channel: name is reserved for internal use")
	ErrInvalidChannel  = errors.New("channel: invalid channel name")
	ErrAlreadyBound    = errors.New("channel: handler already registered")
	ErrPeerUnreachable = errors.New("channel: peer unreachable on every candidate path")
	ErrNoPaths         = errors.New("channel: no candidate paths available")
)

var reservedPrefixes = []string{"mesh-", "cloister-", "invite-"}

func isReserved(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Handler receives a decrypted payload delivered on a channel an
// application registered. It is invoked without holding the registry lock.
type Handler func(fromPeerID []byte, payload []byte)

// Registry is the onChannel/offChannel table. It is the App handler a
// Dispatcher is wired against: Deliver has the exact ChannelHandler shape
// pkg/dispatch expects.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// OnChannel binds handler to name. Reserved mesh-*/cloister-*/invite-*
// names are claimed by internal dispatch routing and cannot be bound here.
func (r *Registry) OnChannel(name string, handler Handler) error {
	if !wireformat.ValidChannelName(name) {
		return ErrInvalidChannel
	}
	if isReserved(name) {
		return ErrReservedChannel
	}
	if handler == nil {
		return fmt.Errorf("channel: nil handler for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return ErrAlreadyBound
	}
	r.handlers[name] = handler
	return nil
}

// OffChannel removes any handler bound to name. It is a no-op if none was bound.
func (r *Registry) OffChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Deliver looks up the handler for channel and invokes it. Matches
// pkg/dispatch.ChannelHandler so a Registry can be wired directly as a
// Dispatcher's Handlers.App field.
func (r *Registry) Deliver(fromPeerID []byte, channel string, payload []byte) {
	r.mu.RLock()
	h, ok := r.handlers[channel]
	r.mu.RUnlock()
	if ok {
		h(fromPeerID, payload)
	}
}

// PathSender performs the actual send for one candidate path shape. A
// Sender owns socket I/O, packet construction/signing, and (for
// KindHolePunchThen) driving the hole-punch coordination handshake; Send
// only decides which shape to try next and how long to wait in between.
type PathSender interface {
	SendDirect(ctx context.Context, addr *net.UDPAddr, to, payload []byte, channelName string) error
	SendViaHolePunch(ctx context.Context, coordinator, to, payload []byte, channelName string) error
	SendViaRelay(ctx context.Context, relayPeer, to, payload []byte, channelName string) error
}

// Config bundles what Send needs to walk the escalation ladder.
type Config struct {
	Endpoints *endpoint.Manager
	Sender    PathSender
	Min       time.Duration
	Max       time.Duration
}

// Sender (the exported type) runs the configured escalation ladder for
// send. It holds no Registry; onChannel/offChannel go through a Registry
// of their own.
type Sender struct {
	cfg Config
}

func New(cfg Config) *Sender {
	if cfg.Min <= 0 {
		cfg.Min = MinBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	return &Sender{cfg: cfg}
}

// Send walks CandidatePaths(to) in priority order, escalating from direct
// to hole-punch to relay, with exponential backoff between failed
// attempts. It returns nil on the first successful attempt, or
// ErrPeerUnreachable once every path has been tried and ctx has not yet
// been cancelled; it returns ctx.Err() if the deadline runs out mid-ladder.
func (s *Sender) Send(ctx context.Context, to, payload []byte, channelName string) error {
	if !wireformat.ValidChannelName(channelName) {
		return ErrInvalidChannel
	}
	if isReserved(channelName) {
		return ErrReservedChannel
	}

	paths, err := s.cfg.Endpoints.CandidatePaths(to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoPaths, err)
	}

	backoff := s.cfg.Min
	var lastErr error
	for i, p := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var attemptErr error
		switch p.Kind {
		case endpoint.KindDirect:
			attemptErr = s.cfg.Sender.SendDirect(ctx, p.Endpoint, to, payload, channelName)
		case endpoint.KindHolePunchThen:
			attemptErr = s.cfg.Sender.SendViaHolePunch(ctx, p.Coordinator, to, payload, channelName)
		case endpoint.KindRelay:
			attemptErr = s.cfg.Sender.SendViaRelay(ctx, p.RelayPeer, to, payload, channelName)
		default:
			attemptErr = fmt.Errorf("channel: unknown path kind %d", p.Kind)
		}

		if attemptErr == nil {
			return nil
		}
		lastErr = attemptErr
		log.Printf("[Channel] path %d/%d to %x failed: %v", i+1, len(paths), to, attemptErr)

		if i == len(paths)-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.cfg.Max {
			backoff = s.cfg.Max
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, lastErr)
	}
	return ErrPeerUnreachable
}
