// Package gossip implements the two responsibilities spec.md assigns to
// the Gossip & Directory component: periodically announcing this node's
// reachability to neighbors under a bandwidth budget, and answering
// whoHasRecent directory queries. Path-failure is deliberately not
// broadcast here — that would leak information about who is probing whom
// and gives an attacker a cheap way to disrupt paths by spoofing failure
// reports, so failures stay local (tracked in pkg/endpoint's cooldown map).
package gossip

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omertamesh/omertamesh/pkg/endpoint"
	"github.com/omertamesh/omertamesh/pkg/identity"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

const (
	// DefaultRecencyHalfLife is how fast an announcement's priority decays.
	DefaultRecencyHalfLife = 60 * time.Second
	// activeChannelMultiplier boosts announcements relevant to a channel we
	// actively handle.
	activeChannelMultiplier = 1000.0
)

// EndpointAdvert is one endpoint carried in an announcement.
type EndpointAdvert struct {
	Addr       string
	Source     peerstore.EndpointSource
	ObservedAt time.Time
}

// Announcement is the signed, bounded-size peer advertisement gossiped
// between neighbors.
type Announcement struct {
	PeerID          []byte
	NATType         string
	Endpoints       []EndpointAdvert
	CanRelay        bool
	RelayRTT        time.Duration
	RelayAtCapacity bool
	Channels        []string // channels this node actively handles
	Timestamp       time.Time
	Signature       []byte
}

func (a *Announcement) signingInput(networkID string) []byte {
	var buf []byte
	buf = append(buf, []byte(networkID)...)
	buf = append(buf, a.PeerID...)
	buf = append(buf, []byte(a.NATType)...)
	for _, ep := range a.Endpoints {
		buf = append(buf, []byte(ep.Addr)...)
	}
	buf = append(buf, []byte(strings.Join(a.Channels, ","))...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp.UnixMilli()))
	buf = append(buf, ts[:]...)
	return buf
}

func (a *Announcement) sign(networkID string, id *identity.Identity) {
	a.Signature = id.Sign(a.signingInput(networkID))
}

func (a *Announcement) verify(networkID string) bool {
	return identity.Verify(a.PeerID, a.signingInput(networkID), a.Signature)
}

func (a *Announcement) approxSize() int {
	size := len(a.PeerID) + len(a.NATType) + len(a.Signature) + 8
	for _, ep := range a.Endpoints {
		size += len(ep.Addr) + 24
	}
	for _, ch := range a.Channels {
		size += len(ch)
	}
	return size
}

// pendingEntry is one announcement awaiting propagation.
type pendingEntry struct {
	ann      *Announcement
	priority float64
}

// DirectoryAnswer mirrors pkg/endpoint's DirectoryAnswer so Manager can
// satisfy endpoint.Directory directly.
type DirectoryAnswer = endpoint.DirectoryAnswer

// Config bundles gossip tunables from spec.md's configuration surface.
type Config struct {
	BytesPerSecondBudget   int
	RecencyHalfLife        time.Duration
	FreshnessQueryInterval time.Duration
}

type relayAd struct {
	rtt        time.Duration
	atCapacity bool
}

// Manager owns announce propagation and directory answering for one node.
type Manager struct {
	identity  *identity.Identity
	networkID string
	peers     *peerstore.Store
	cfg       Config

	mu              sync.Mutex
	activeChannels  map[string]bool
	channelActivity map[string]int64 // publish+receive counts, log-scale boost input
	pending         []*pendingEntry
	seen            map[string]time.Time // peerIdHex|timestampMs -> when we saw it, for dedup
	relayCapacity   map[string]relayAd   // peerIdHex -> latest relay advertisement

	queryMu       sync.Mutex
	lastQueriedAt map[string]time.Time // "target|requester" -> last answered time
}

func New(id *identity.Identity, networkID string, peers *peerstore.Store, cfg Config) *Manager {
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if cfg.FreshnessQueryInterval <= 0 {
		cfg.FreshnessQueryInterval = 5 * time.Second
	}
	if cfg.BytesPerSecondBudget <= 0 {
		cfg.BytesPerSecondBudget = 4096
	}
	return &Manager{
		identity:        id,
		networkID:       networkID,
		peers:           peers,
		cfg:             cfg,
		activeChannels:  make(map[string]bool),
		channelActivity: make(map[string]int64),
		seen:            make(map[string]time.Time),
		relayCapacity:   make(map[string]relayAd),
		lastQueriedAt:   make(map[string]time.Time),
	}
}

// SetChannelActive marks whether we currently have a handler registered
// for channel, used to prioritize matching announcements.
func (m *Manager) SetChannelActive(channel string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.activeChannels[channel] = true
	} else {
		delete(m.activeChannels, channel)
	}
}

// RecordChannelActivity bumps the local publish/receive counter used for
// the activity boost term.
func (m *Manager) RecordChannelActivity(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelActivity[channel]++
}

// BuildAnnouncement constructs and signs a fresh announcement describing
// this node, for periodic emission.
func (m *Manager) BuildAnnouncement(natType string, endpoints []EndpointAdvert, canRelay, relayAtCapacity bool) *Announcement {
	m.mu.Lock()
	channels := make([]string, 0, len(m.activeChannels))
	for ch := range m.activeChannels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	ann := &Announcement{
		PeerID:          m.identity.PeerID(),
		NATType:         natType,
		Endpoints:       endpoints,
		CanRelay:        canRelay,
		RelayAtCapacity: relayAtCapacity,
		Channels:        channels,
		Timestamp:       time.Now(),
	}
	ann.sign(m.networkID, m.identity)
	return ann
}

// priority scores an announcement for propagation ordering: active-channel
// match dominates, then exponential recency decay, then a log-scale boost
// from local channel activity.
func (m *Manager) priority(ann *Announcement) float64 {
	base := 1.0

	m.mu.Lock()
	matchesActive := false
	var activityTotal int64
	for _, ch := range ann.Channels {
		if m.activeChannels[ch] {
			matchesActive = true
		}
		activityTotal += m.channelActivity[ch]
	}
	m.mu.Unlock()

	if matchesActive {
		base *= activeChannelMultiplier
	}

	age := time.Since(ann.Timestamp)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, age.Seconds()/m.cfg.RecencyHalfLife.Seconds())
	base *= decay

	base *= 1.0 + math.Log1p(float64(activityTotal))
	return base
}

func dedupKey(peerIDHex string, ts time.Time) string {
	return fmt.Sprintf("%s|%d", peerIDHex, ts.UnixMilli())
}

// HandleAnnouncement verifies and absorbs an incoming announcement: it
// updates the peer store with observed endpoints and NAT type, records
// relay capacity if advertised, and queues the announcement for
// best-effort re-propagation.
func (m *Manager) HandleAnnouncement(ann *Announcement) error {
	if !ann.verify(m.networkID) {
		return fmt.Errorf("gossip: announcement signature does not verify")
	}
	peerIDHex := hex.EncodeToString(ann.PeerID)

	m.mu.Lock()
	key := dedupKey(peerIDHex, ann.Timestamp)
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		return nil
	}
	m.seen[key] = time.Now()
	if ann.CanRelay {
		m.relayCapacity[peerIDHex] = relayAd{rtt: ann.RelayRTT, atCapacity: ann.RelayAtCapacity}
	}
	m.mu.Unlock()

	if ann.NATType != "" {
		m.peers.SetNATType(ann.PeerID, peerstore.NATType(ann.NATType))
	}
	for _, ep := range ann.Endpoints {
		addr, err := net.ResolveUDPAddr("udp", ep.Addr)
		if err != nil {
			continue
		}
		m.peers.NoteObservedEndpoint(ann.PeerID, addr, "")
	}

	m.mu.Lock()
	m.pending = append(m.pending, &pendingEntry{ann: ann, priority: m.priority(ann)})
	m.mu.Unlock()
	return nil
}

// Flush pops queued announcements for propagation within maxBytes,
// highest priority first, and drops (logging) whatever does not fit.
func (m *Manager) Flush(maxBytes int) []*Announcement {
	if maxBytes <= 0 {
		maxBytes = m.cfg.BytesPerSecondBudget
	}

	m.mu.Lock()
	entries := m.pending
	m.pending = nil
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })

	var out []*Announcement
	used := 0
	dropped := 0
	for _, e := range entries {
		size := e.ann.approxSize()
		if used+size > maxBytes {
			dropped++
			continue
		}
		used += size
		out = append(out, e.ann)
	}
	if dropped > 0 {
		log.Printf("[gossip] dropped %d announcements over the %d-byte budget this cycle", dropped, maxBytes)
	}
	return out
}

// WhoHasRecent implements pkg/endpoint's Directory interface: answer from
// our own peer store view.
func (m *Manager) WhoHasRecent(target []byte, maxAge time.Duration) (*DirectoryAnswer, bool) {
	eps := m.peers.GetEndpoints(target, maxAge)
	if len(eps) == 0 {
		return nil, false
	}
	best := eps[0]
	if best.LastSuccessfulReceive.IsZero() && best.LastSuccessfulSend.IsZero() {
		return nil, false
	}
	return &DirectoryAnswer{
		Endpoint:      best.Addr,
		ObservedAt:    best.LastSuccessfulReceive,
		ReachablePath: string(best.Source),
	}, true
}

// HandleWhoHasRecentQuery answers a neighbor's directory query, rate
// limited per (target, requester) to one response per
// FreshnessQueryInterval.
func (m *Manager) HandleWhoHasRecentQuery(target, requester []byte, maxAge time.Duration) (*DirectoryAnswer, bool) {
	key := hex.EncodeToString(target) + "|" + hex.EncodeToString(requester)

	m.queryMu.Lock()
	last, ok := m.lastQueriedAt[key]
	if ok && time.Since(last) < m.cfg.FreshnessQueryInterval {
		m.queryMu.Unlock()
		return nil, false
	}
	m.lastQueriedAt[key] = time.Now()
	m.queryMu.Unlock()

	return m.WhoHasRecent(target, maxAge)
}

// RelayCandidates implements pkg/endpoint's Directory interface, listing
// peers we've seen advertise relay capacity via gossip announcements.
func (m *Manager) RelayCandidates() []endpoint.RelayCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]endpoint.RelayCandidate, 0, len(m.relayCapacity))
	for peerIDHex, ad := range m.relayCapacity {
		peerID, err := hex.DecodeString(peerIDHex)
		if err != nil {
			continue
		}
		out = append(out, endpoint.RelayCandidate{PeerID: peerID, RTT: ad.rtt, AtCapacity: ad.atCapacity})
	}
	return out
}

// CoordinatorFor picks a known peer willing to coordinate a hole punch.
// We cannot directly observe a third party's reachability to both a and
// b, so this uses the practical approximation of trusting any recently
// contacted peer that is not one of the two endpoints itself.
func (m *Manager) CoordinatorFor(a, b []byte) ([]byte, bool) {
	aHex, bHex := hex.EncodeToString(a), hex.EncodeToString(b)
	for _, rec := range m.peers.AllPeers() {
		recHex := hex.EncodeToString(rec.PeerID)
		if recHex == aHex || recHex == bHex {
			continue
		}
		if time.Since(rec.LastContact) < m.cfg.RecencyHalfLife {
			return rec.PeerID, true
		}
	}
	return nil, false
}
