// Package keepalive maintains NAT mappings for peers we care about by
// periodically sending lightweight authenticated pings to a weighted
// sample of them. It tracks consecutive misses per (peerId, machineId)
// pair and demotes unresponsive ones out of the send-eligible set.
package keepalive

import (
	"encoding/hex"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultInterval        = 25 * time.Second
	DefaultMaxPerCycle     = 32
	DefaultMissedThreshold = 3
	DefaultExpiryThreshold = 8
)

// Key identifies one tracked (peer, machine) pair. A peer may run several
// machines behind the same identity in some deployments; the mesh tracks
// liveness per machine so a single flaky box doesn't mark a whole peer dead.
type Key struct {
	PeerIDHex string
	MachineID string
}

func keyFor(peerID []byte, machineID string) Key {
	return Key{PeerIDHex: hex.EncodeToString(peerID), MachineID: machineID}
}

type trackedEntry struct {
	peerID            []byte
	machineID         string
	lastActive        time.Time
	lastPingSent      time.Time
	consecutiveMisses int
	stale             bool
	expired           bool
}

// Config bundles the tunables from spec.md's configuration surface.
type Config struct {
	Interval        time.Duration
	MaxPerCycle     int
	MissedThreshold int
	ExpiryThreshold int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = DefaultMaxPerCycle
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = DefaultMissedThreshold
	}
	if c.ExpiryThreshold <= 0 || c.ExpiryThreshold <= c.MissedThreshold {
		c.ExpiryThreshold = DefaultExpiryThreshold
	}
}

// Manager tracks keepalive eligibility for (peerId, machineId) pairs.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*trackedEntry
	cfg     Config
	rng     *rand.Rand
}

func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		entries: make(map[Key]*trackedEntry),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Add starts tracking a (peer, machine) pair for keepalive.
func (m *Manager) Add(peerID []byte, machineID string) {
	k := keyFor(peerID, machineID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; ok {
		return
	}
	m.entries[k] = &trackedEntry{
		peerID:     append([]byte(nil), peerID...),
		machineID:  machineID,
		lastActive: time.Now(),
	}
}

// Remove stops tracking a pair entirely.
func (m *Manager) Remove(peerID []byte, machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, keyFor(peerID, machineID))
}

// NoteReannouncement promotes a pair back into the send-eligible set after
// we see fresh activity from it (e.g. a gossip re-announcement), clearing
// its miss count and stale/expired flags.
func (m *Manager) NoteReannouncement(peerID []byte, machineID string) {
	k := keyFor(peerID, machineID)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		e = &trackedEntry{peerID: append([]byte(nil), peerID...), machineID: machineID}
		m.entries[k] = e
	}
	e.consecutiveMisses = 0
	e.stale = false
	e.expired = false
	e.lastActive = time.Now()
}

// NotePingResult records the outcome of a ping sent during a prior cycle.
func (m *Manager) NotePingResult(peerID []byte, machineID string, success bool) {
	k := keyFor(peerID, machineID)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return
	}
	if success {
		e.consecutiveMisses = 0
		e.stale = false
		e.expired = false
		e.lastActive = time.Now()
		return
	}
	e.consecutiveMisses++
	if e.consecutiveMisses >= m.cfg.MissedThreshold {
		e.stale = true
	}
	if e.consecutiveMisses >= m.cfg.ExpiryThreshold {
		if !e.expired {
			log.Printf("[keepalive] peer %s machine %s exceeded expiry threshold, removing from send-eligible set", shortHex(k.PeerIDHex), machineID)
		}
		e.expired = true
	}
}

// IsStale reports whether a pair has crossed the missed-response threshold.
func (m *Manager) IsStale(peerID []byte, machineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[keyFor(peerID, machineID)]
	return ok && e.stale
}

// weight favors pairs that are either recently active (worth preserving
// the mapping for) or have gone a long time since their last ping
// (overdue), per spec.md's "weighted sampling favoring recently active +
// long-idle machines".
func weight(e *trackedEntry, now time.Time) float64 {
	sinceActive := now.Sub(e.lastActive)
	sinceLastPing := now.Sub(e.lastPingSent)
	if e.lastPingSent.IsZero() {
		sinceLastPing = 24 * time.Hour
	}

	activityBoost := 1.0 / (1.0 + sinceActive.Seconds()/60.0)
	overdueBoost := math.Log1p(sinceLastPing.Seconds())
	return activityBoost + overdueBoost
}

// SelectCycle picks up to MaxPerCycle non-expired pairs, weighted by
// recent-activity-or-overdue-ness, and marks them as just pinged.
func (m *Manager) SelectCycle() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	type candidate struct {
		key Key
		e   *trackedEntry
		w   float64
	}
	var pool []candidate
	for k, e := range m.entries {
		if e.expired {
			continue
		}
		pool = append(pool, candidate{key: k, e: e, w: weight(e, now)})
	}

	var selected []Key
	limit := m.cfg.MaxPerCycle
	for len(pool) > 0 && len(selected) < limit {
		total := 0.0
		for _, c := range pool {
			total += c.w
		}
		if total <= 0 {
			break
		}
		r := m.rng.Float64() * total
		idx := 0
		acc := 0.0
		for i, c := range pool {
			acc += c.w
			if r <= acc {
				idx = i
				break
			}
		}
		chosen := pool[idx]
		chosen.e.lastPingSent = now
		selected = append(selected, chosen.key)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
}

// Count returns the number of tracked pairs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func shortHex(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
