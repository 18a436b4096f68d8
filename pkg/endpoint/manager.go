// Package endpoint implements the path-selection policy that chooses how
// to reach a peer: directly, via a coordinator-assisted hole punch, or
// through a relay. It holds no network connection itself; pkg/channel
// walks the candidate list this package returns and performs the actual
// sends, recording successes back into the peer store.
package endpoint

import (
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

// Kind distinguishes the three path shapes the Endpoint Manager can hand
// back to a caller.
type Kind int

const (
	KindDirect Kind = iota
	KindHolePunchThen
	KindRelay
)

// Path is one candidate way to reach a peer, in priority order.
type Path struct {
	Kind        Kind
	Endpoint    *net.UDPAddr // set for KindDirect
	Coordinator []byte       // peerId, set for KindHolePunchThen
	RelayPeer   []byte       // peerId, set for KindRelay
	Verified    bool         // true if this endpoint already has a recent successful receive
}

// ErrNoPathsAvailable means the manager could not construct any candidate
// path at all (unknown peer, empty directory, no relay capacity).
var ErrNoPathsAvailable = errors.New("endpoint: no candidate paths available")

// DirectoryAnswer is what Gossip's directory returns for a whoHasRecent query.
type DirectoryAnswer struct {
	Endpoint      *net.UDPAddr
	ObservedAt    time.Time
	ReachablePath string // free-form, informational
}

// RelayCandidate describes a peer advertising relay capacity.
type RelayCandidate struct {
	PeerID     []byte
	RTT        time.Duration
	AtCapacity bool
}

// Directory is the subset of pkg/gossip the Endpoint Manager depends on.
type Directory interface {
	WhoHasRecent(target []byte, maxAge time.Duration) (*DirectoryAnswer, bool)
	RelayCandidates() []RelayCandidate
	CoordinatorFor(a, b []byte) ([]byte, bool)
}

// Config bundles the tunables from spec.md's configuration surface that
// this package consumes.
type Config struct {
	RecentContactMaxAge time.Duration
	HolePunchCooldown   time.Duration
	ForceRelayOnly      bool
}

// Manager chooses paths to peers.
type Manager struct {
	peers     *peerstore.Store
	directory Directory
	cfg       Config

	mu           sync.RWMutex
	selfNATType  peerstore.NATType
	selfEndpoint *net.UDPAddr

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // peerIdHex -> hole-punch cooldown expiry
}

func New(peers *peerstore.Store, directory Directory, cfg Config) *Manager {
	if cfg.RecentContactMaxAge <= 0 {
		cfg.RecentContactMaxAge = 30 * time.Second
	}
	if cfg.HolePunchCooldown <= 0 {
		cfg.HolePunchCooldown = 30 * time.Second
	}
	return &Manager{
		peers:       peers,
		directory:   directory,
		cfg:         cfg,
		selfNATType: peerstore.NATUnknown,
		cooldowns:   make(map[string]time.Time),
	}
}

// SetSelfNATType records our own classified NAT type, as produced by
// pkg/natprobe.
func (m *Manager) SetSelfNATType(nt peerstore.NATType) {
	m.mu.Lock()
	m.selfNATType = nt
	m.mu.Unlock()
}

// ObserveSelfEndpoint records our own believed public endpoint, as echoed
// back to us in a pong.
func (m *Manager) ObserveSelfEndpoint(addr *net.UDPAddr) {
	m.mu.Lock()
	m.selfEndpoint = addr
	m.mu.Unlock()
}

func (m *Manager) selfSnapshot() (peerstore.NATType, *net.UDPAddr) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfNATType, m.selfEndpoint
}

// NoteHolePunchFailure starts the cooldown for a BothSymmetric failure
// against target, per spec.md: "no further attempts are made for
// holePunchCooldown".
func (m *Manager) NoteHolePunchFailure(target []byte) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	m.cooldowns[hex.EncodeToString(target)] = time.Now().Add(m.cfg.HolePunchCooldown)
}

func (m *Manager) inHolePunchCooldown(target []byte) bool {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	expiry, ok := m.cooldowns[hex.EncodeToString(target)]
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// CandidatePaths returns the ranked escalation ladder for reaching target,
// per spec.md's Endpoint Manager policy:
//
//  1. a direct endpoint that succeeded within RecentContactMaxAge
//  2. a fresher endpoint learned from the directory, to be verified with a ping
//  3. a coordinator-assisted hole punch, if NAT types suggest it is viable
//  4. a relay, picked by lowest RTT among non-saturated candidates
//
// If ForceRelayOnly is set, only step 4 runs.
func (m *Manager) CandidatePaths(target []byte) ([]Path, error) {
	var paths []Path

	if !m.cfg.ForceRelayOnly {
		if rec, ok := m.peers.Get(target); ok {
			now := time.Now()
			for _, ep := range rec.Endpoints {
				if !ep.LastSuccessfulReceive.IsZero() && now.Sub(ep.LastSuccessfulReceive) < m.cfg.RecentContactMaxAge {
					paths = append(paths, Path{Kind: KindDirect, Endpoint: ep.Addr, Verified: true})
				}
			}
		}

		if len(paths) == 0 && m.directory != nil {
			if answer, ok := m.directory.WhoHasRecent(target, m.cfg.RecentContactMaxAge); ok && answer.Endpoint != nil {
				paths = append(paths, Path{Kind: KindDirect, Endpoint: answer.Endpoint, Verified: false})
			}
		}

		if m.holePunchViable(target) && !m.inHolePunchCooldown(target) {
			if coordinator, ok := m.coordinatorFor(target); ok {
				paths = append(paths, Path{Kind: KindHolePunchThen, Coordinator: coordinator})
			}
		}
	}

	if relay, ok := m.bestRelay(); ok {
		paths = append(paths, Path{Kind: KindRelay, RelayPeer: relay.PeerID})
	}

	if len(paths) == 0 {
		return nil, ErrNoPathsAvailable
	}
	return paths, nil
}

func (m *Manager) coordinatorFor(target []byte) ([]byte, bool) {
	if m.directory == nil {
		return nil, false
	}
	self, _ := m.selfSnapshot()
	_ = self
	return m.directory.CoordinatorFor(nil, target)
}

// holePunchViable implements spec.md §4.8's tie-break: hole-punching is
// attempted unless both sides are classified symmetric.
func (m *Manager) holePunchViable(target []byte) bool {
	selfNAT, _ := m.selfSnapshot()
	targetNAT := peerstore.NATUnknown
	if rec, ok := m.peers.Get(target); ok {
		targetNAT = rec.NATType
	}
	if selfNAT == peerstore.NATSymmetric && targetNAT == peerstore.NATSymmetric {
		return false
	}
	return true
}

func (m *Manager) bestRelay() (RelayCandidate, bool) {
	if m.directory == nil {
		return RelayCandidate{}, false
	}
	candidates := m.directory.RelayCandidates()
	var usable []RelayCandidate
	for _, c := range candidates {
		if !c.AtCapacity {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return RelayCandidate{}, false
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].RTT < usable[j].RTT })
	return usable[0], true
}
