// Package dispatch implements the single receive-side path every packet
// goes through: per-IP rate limiting before any decryption is attempted,
// the wire-format codec's ordered rejects, a replay guard, relay
// forwarding for packets addressed elsewhere, and routing of authenticated
// packets to the right internal handler or to the channel service.
package dispatch

import (
	"container/list"
	"encoding/hex"
	"hash/fnv"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omertamesh/omertamesh/pkg/ratelimit"
	"github.com/omertamesh/omertamesh/pkg/wireformat"
)

const (
	// ReplayWindow bounds how long a messageId is remembered per peer.
	ReplayWindow = 10 * time.Minute
	// ReplayPerPeerCap bounds memory: only the most recent messageIds per
	// peer are tracked, oldest evicted first once the cap is hit.
	ReplayPerPeerCap = 2048
	// DefaultMaxWorkers is the number of ordered shard workers the
	// Dispatcher runs. Each (fromPeerId, channel) pair always hashes to the
	// same shard, so per-pair arrival order is preserved even though
	// different pairs run concurrently across shards.
	DefaultMaxWorkers = 32
	// shardQueueDepth bounds the backlog a single shard will hold before
	// HandleDatagram starts dropping for that shard, so one slow handler
	// cannot grow memory without bound.
	shardQueueDepth = 256
	// maxRelayHops is the relay-visible TTL ceiling (Open Question 1):
	// a packet arriving for forwarding with hopCount already at or beyond
	// this value is dropped rather than relayed.
	maxRelayHops = 8
)

// ChannelHandler receives a decoded, authenticated packet's payload, along
// with the UDP address it actually arrived from (distinct from any
// endpoint a peer claims for itself, and the basis for observed-endpoint
// learning). It is invoked without holding any dispatcher lock.
type ChannelHandler func(fromPeerID []byte, channel string, payload []byte, from *net.UDPAddr)

// Handlers is the channel -> internal-service routing table. Any field left
// nil silently drops packets for that channel (useful in tests that only
// care about one subsystem).
type Handlers struct {
	Keepalive         ChannelHandler // mesh-ping
	Gossip            ChannelHandler // mesh-gossip
	DirQuery          ChannelHandler // mesh-dir-query
	DirResponse       ChannelHandler // mesh-dir-response
	HolePunchSchedule ChannelHandler // mesh-holepunch-schedule
	HolePunchProbe    ChannelHandler // mesh-holepunch-probe
	RelayRequest      ChannelHandler // mesh-relay-request
	RelayAccepted     ChannelHandler // mesh-relay-accepted
	RelayData         ChannelHandler // mesh-relay-data
	Cloister          ChannelHandler // cloister-*, invite-*
	App               ChannelHandler // anything else, handed to the channel service
}

func (h Handlers) dispatch(fromPeerID []byte, channel string, payload []byte, from *net.UDPAddr) {
	var fn ChannelHandler
	switch {
	case channel == "mesh-ping":
		fn = h.Keepalive
	case channel == "mesh-gossip":
		fn = h.Gossip
	case channel == "mesh-dir-query":
		fn = h.DirQuery
	case channel == "mesh-dir-response":
		fn = h.DirResponse
	case channel == "mesh-holepunch-schedule":
		fn = h.HolePunchSchedule
	case channel == "mesh-holepunch-probe":
		fn = h.HolePunchProbe
	case channel == "mesh-relay-request":
		fn = h.RelayRequest
	case channel == "mesh-relay-accepted":
		fn = h.RelayAccepted
	case channel == "mesh-relay-data":
		fn = h.RelayData
	case strings.HasPrefix(channel, "cloister-") || strings.HasPrefix(channel, "invite-"):
		fn = h.Cloister
	default:
		fn = h.App
	}
	if fn != nil {
		fn(fromPeerID, channel, payload, from)
	}
}

// RelayForwarder is the subset of pkg/relay.Server the Dispatcher needs to
// forward a packet addressed to someone other than us.
type RelayForwarder interface {
	SessionFor(a, b []byte) (string, bool)
	Forward(sessionID string, fromPeer []byte, opaque []byte) (*net.UDPAddr, error)
}

// Sender is the caller-supplied socket write, used only to re-emit a
// forwarded datagram unchanged. The Dispatcher never constructs or parses
// its own outbound packets; pkg/channel owns the send path for anything
// this node originates.
type Sender interface {
	SendRaw(addr *net.UDPAddr, raw []byte) error
}

// Config bundles everything a Dispatcher needs at construction time.
type Config struct {
	NetworkKey  [32]byte
	NetworkID   string
	SelfPeerID  []byte
	RateLimiter *ratelimit.IPRateLimiter
	MaxWorkers  int
	Handlers    Handlers
	Forwarder   RelayForwarder
	Sender      Sender
}

// dispatchWork is one decoded packet queued for a shard's single consumer.
type dispatchWork struct {
	pkt  *wireformat.Packet
	from *net.UDPAddr
}

// Dispatcher is the receive-side entry point. It owns no socket: a caller
// reads datagrams off the UDP connection and feeds each one to
// HandleDatagram.
//
// Processing (decrypt, signature check, handler call) runs on a fixed ring
// of single-consumer shard workers rather than an unordered pool: every
// packet is routed to a shard by hashing (fromPeerId, channel), so two
// packets from the same peer on the same channel are always handled by the
// same goroutine in the order HandleDatagram saw them, while unrelated
// (peer, channel) pairs still process concurrently across shards.
type Dispatcher struct {
	cfg      Config
	replay   *replayGuard
	shards   []chan dispatchWork
	done     chan struct{}
	stopOnce sync.Once
	ttlDrops atomic.Int64
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	d := &Dispatcher{
		cfg:    cfg,
		replay: newReplayGuard(),
		shards: make([]chan dispatchWork, cfg.MaxWorkers),
		done:   make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan dispatchWork, shardQueueDepth)
		go d.runShard(d.shards[i])
	}
	return d
}

// Close stops every shard worker. Safe to call more than once; further datagrams fed
// to HandleDatagram are queued but never drained.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.done) })
}

// TTLDrops reports how many packets have been dropped for exceeding
// maxRelayHops, for tests and telemetry.
func (d *Dispatcher) TTLDrops() int64 {
	return d.ttlDrops.Load()
}

func (d *Dispatcher) runShard(ch chan dispatchWork) {
	for {
		select {
		case w := <-ch:
			d.process(w.pkt, w.from)
		case <-d.done:
			return
		}
	}
}

// HandleDatagram runs one datagram through the full ordered pipeline:
// rate limit, codec header checks, relay-forward-or-drop, replay guard,
// then a shard-ordered payload decrypt, signature check, and channel
// routing.
func (d *Dispatcher) HandleDatagram(raw []byte, from *net.UDPAddr) {
	if d.cfg.RateLimiter != nil && !d.cfg.RateLimiter.Allow(from.IP.String()) {
		return
	}

	pkt, err := wireformat.DecodeHeader(d.cfg.NetworkKey, raw)
	if err != nil {
		return
	}

	if len(pkt.Header.ToPeerID) > 0 && !equalPeer(pkt.Header.ToPeerID, d.cfg.SelfPeerID) {
		d.forward(pkt.Header, raw)
		return
	}

	if !d.replay.check(hex.EncodeToString(pkt.Header.FromPeerID), hex.EncodeToString(pkt.Header.MessageID), time.Now()) {
		return
	}

	idx := shardIndex(pkt.Header.FromPeerID, pkt.Header.Channel, len(d.shards))
	select {
	case d.shards[idx] <- dispatchWork{pkt: pkt, from: from}:
	default:
		// Shard saturated: drop rather than block the receive loop or grow
		// an unbounded queue. Ordering within the pair is preserved either
		// way since every packet for this pair still goes through the same
		// shard.
		log.Printf("[Dispatch] shard %d queue full, dropping packet from %s", idx, from)
	}
}

// shardIndex hashes (fromPeerId, channel) so every packet for the same
// pair is always routed to the same shard, which is what makes per-pair
// ordering possible with otherwise-concurrent shards.
func shardIndex(fromPeerID []byte, channel string, shardCount int) int {
	h := fnv.New32a()
	h.Write(fromPeerID)
	h.Write([]byte(channel))
	return int(h.Sum32() % uint32(shardCount))
}

func (d *Dispatcher) process(pkt *wireformat.Packet, from *net.UDPAddr) {
	plaintext, err := pkt.DecodePayload(d.cfg.NetworkKey)
	if err != nil {
		return
	}
	if !wireformat.VerifySignature(d.cfg.NetworkID, pkt.Header, plaintext) {
		return
	}
	d.cfg.Handlers.dispatch(pkt.Header.FromPeerID, pkt.Header.Channel, plaintext, from)
}

// forward re-emits raw, unmodified, to whichever relay session connects
// from and to, enforcing the relay-visible TTL ceiling first. hopCount is
// part of the Ed25519-signed header (see wireformat.SigningInput), so a
// relay has no way to increment it without re-signing on the sender's
// behalf; the ceiling is therefore a read-only check against whatever
// hopCount the original sender set, not a per-hop counter this dispatcher
// maintains itself.
func (d *Dispatcher) forward(header wireformat.Header, raw []byte) {
	if header.HopCount >= maxRelayHops {
		d.ttlDrops.Add(1)
		log.Printf("[Dispatch] dropping packet from %s: hopCount %d at or beyond ceiling %d",
			hex.EncodeToString(header.FromPeerID), header.HopCount, maxRelayHops)
		return
	}
	if d.cfg.Forwarder == nil || d.cfg.Sender == nil {
		return
	}
	sessionID, ok := d.cfg.Forwarder.SessionFor(header.FromPeerID, header.ToPeerID)
	if !ok {
		return
	}
	addr, err := d.cfg.Forwarder.Forward(sessionID, header.FromPeerID, raw)
	if err != nil {
		return
	}
	if err := d.cfg.Sender.SendRaw(addr, raw); err != nil {
		log.Printf("[Dispatch] relay forward to %s failed: %v", addr, err)
	}
}

func equalPeer(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// replayGuard tracks, per sending peer, the most recent messageIds seen so
// a retransmitted or maliciously replayed packet is dropped. Entries older
// than ReplayWindow are pruned lazily; each peer's set is capped at
// ReplayPerPeerCap, oldest evicted first.
type replayGuard struct {
	mu    sync.Mutex
	peers map[string]*peerReplayState
}

type peerReplayState struct {
	seen  map[string]time.Time
	order *list.List // front = oldest
}

func newReplayGuard() *replayGuard {
	return &replayGuard{peers: make(map[string]*peerReplayState)}
}

// check returns true if messageIDHex has not been seen from peerIDHex
// within the replay window (and records it), false if this is a replay.
func (g *replayGuard) check(peerIDHex, messageIDHex string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.peers[peerIDHex]
	if !ok {
		st = &peerReplayState{seen: make(map[string]time.Time), order: list.New()}
		g.peers[peerIDHex] = st
	}

	for st.order.Len() > 0 {
		front := st.order.Front()
		id := front.Value.(string)
		if now.Sub(st.seen[id]) <= ReplayWindow {
			break
		}
		st.order.Remove(front)
		delete(st.seen, id)
	}

	if _, seen := st.seen[messageIDHex]; seen {
		return false
	}

	st.seen[messageIDHex] = now
	st.order.PushBack(messageIDHex)
	for st.order.Len() > ReplayPerPeerCap {
		front := st.order.Front()
		id := front.Value.(string)
		st.order.Remove(front)
		delete(st.seen, id)
	}
	return true
}
