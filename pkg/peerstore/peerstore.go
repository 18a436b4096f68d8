// Package peerstore is the authoritative in-memory map from peerId to
// everything known about that peer: endpoints, NAT type, reliability, and
// last-contact time. It is bounded to maxCachedPeers with LRU eviction of
// the least-recently-contacted peer and persists on a debounced timer
// through an onDirty callback supplied by the caller (pkg/store).
package peerstore

import (
	"container/list"
	"encoding/hex"
	"log"
	"net"
	"sync"
	"time"
)

// NATType classifies a peer's observed NAT behavior.
type NATType string

const (
	NATOpen            NATType = "open"
	NATFullCone        NATType = "fullCone"
	NATRestrictedCone  NATType = "restrictedCone"
	NATPortRestricted  NATType = "portRestricted"
	NATSymmetric       NATType = "symmetric"
	NATUnknown         NATType = "unknown"
)

// EndpointSource records how an endpoint was learned.
type EndpointSource string

const (
	SourceBootstrap       EndpointSource = "bootstrap"
	SourceBootstrapDHT    EndpointSource = "bootstrap-dht"
	SourceGossip          EndpointSource = "gossip"
	SourceLearnedFromPeer EndpointSource = "learned-from-peer"
	SourceObserved        EndpointSource = "observed"
)

// DefaultMaxCachedPeers bounds memory use under flood attacks; a legitimate
// mesh is unlikely to need more peers cached at once.
const DefaultMaxCachedPeers = 1000

// PeerEventKind distinguishes store change notifications.
type PeerEventKind int

const (
	PeerEventNew PeerEventKind = iota
	PeerEventUpdated
	PeerEventEvicted
)

// PeerEvent is emitted to subscribers on every mutation.
type PeerEvent struct {
	PeerIDHex string
	Kind      PeerEventKind
}

const subscriberBufSize = 16

// Endpoint is one known way to reach a peer.
type Endpoint struct {
	Addr                  *net.UDPAddr
	ObservedBy            string // peerId hex of whoever told us about this, "" if self-observed
	LastSuccessfulSend    time.Time
	LastSuccessfulReceive time.Time
	LastFailedSend        time.Time
	RTT                   time.Duration
	Source                EndpointSource
}

func (e *Endpoint) isIPv6() bool {
	if e.Addr == nil {
		return false
	}
	return e.Addr.IP.To4() == nil
}

func (e *Endpoint) key() string {
	if e.Addr == nil {
		return ""
	}
	return e.Addr.String()
}

// Record is everything known locally about one peer.
type Record struct {
	PeerID      []byte
	Endpoints   []*Endpoint
	NATType     NATType
	Reliability int64 // monotonically bumped, never decremented
	LastContact time.Time
}

func (r *Record) peerIDHex() string {
	return hex.EncodeToString(r.PeerID)
}

func (r *Record) endpoint(addr string) *Endpoint {
	for _, e := range r.Endpoints {
		if e.key() == addr {
			return e
		}
	}
	return nil
}

// Store is the thread-safe peer record map.
type Store struct {
	mu             sync.RWMutex
	peers          map[string]*Record
	lruByHex       map[string]*list.Element
	lru            *list.List // front = most recently contacted
	maxCachedPeers int
	onDirty        func()
	subscribers    []chan PeerEvent
}

// New creates a Store bounded to maxCachedPeers entries. onDirty, if
// non-nil, is called synchronously after each mutation that notifies
// subscribers (MarkSendFailure, EvictStale and Restore do not), so the
// owner can schedule a debounced persistence write.
func New(maxCachedPeers int, onDirty func()) *Store {
	if maxCachedPeers <= 0 {
		maxCachedPeers = DefaultMaxCachedPeers
	}
	return &Store{
		peers:          make(map[string]*Record),
		lruByHex:       make(map[string]*list.Element),
		lru:            list.New(),
		maxCachedPeers: maxCachedPeers,
		onDirty:        onDirty,
	}
}

func (s *Store) Subscribe() <-chan PeerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan PeerEvent, subscriberBufSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

func (s *Store) Unsubscribe(ch <-chan PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Store) notify(peerIDHex string, kind PeerEventKind) {
	s.mu.RLock()
	subs := make([]chan PeerEvent, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	ev := PeerEvent{PeerIDHex: peerIDHex, Kind: kind}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	if s.onDirty != nil {
		s.onDirty()
	}
}

func (s *Store) touchLRU(peerIDHex string) {
	if elem, ok := s.lruByHex[peerIDHex]; ok {
		s.lru.MoveToFront(elem)
		return
	}
	elem := s.lru.PushFront(peerIDHex)
	s.lruByHex[peerIDHex] = elem
}

// evictOldestLocked drops the least-recently-contacted peer. Caller must
// hold s.mu.
func (s *Store) evictOldestLocked() (evictedHex string, ok bool) {
	back := s.lru.Back()
	if back == nil {
		return "", false
	}
	peerIDHex := back.Value.(string)
	s.lru.Remove(back)
	delete(s.lruByHex, peerIDHex)
	delete(s.peers, peerIDHex)
	return peerIDHex, true
}

// UpsertFromAuthenticated records or refreshes a peer after successfully
// authenticating a packet from it at the given source address.
func (s *Store) UpsertFromAuthenticated(peerID []byte, addr *net.UDPAddr, source EndpointSource) {
	peerIDHex := hex.EncodeToString(peerID)
	var kind PeerEventKind
	var notifyHex string
	var evictedHex string
	var evicted bool

	func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now()
		rec, exists := s.peers[peerIDHex]
		if !exists {
			if len(s.peers) >= s.maxCachedPeers {
				evictedHex, evicted = s.evictOldestLocked()
				if evicted {
					log.Printf("[peerstore] cache full (%d); evicted %s to admit %s", s.maxCachedPeers, shortHex(evictedHex), shortHex(peerIDHex))
				}
			}
			rec = &Record{PeerID: append([]byte(nil), peerID...), NATType: NATUnknown, LastContact: now}
			s.peers[peerIDHex] = rec
			kind = PeerEventNew
		} else {
			kind = PeerEventUpdated
		}

		if addr != nil {
			if ep := rec.endpoint(addr.String()); ep != nil {
				ep.LastSuccessfulReceive = now
				if source != "" {
					ep.Source = source
				}
			} else {
				rec.Endpoints = append(rec.Endpoints, &Endpoint{
					Addr:                  addr,
					LastSuccessfulReceive: now,
					Source:                source,
				})
			}
		}
		rec.LastContact = now
		rec.Reliability++
		s.touchLRU(peerIDHex)
		notifyHex = peerIDHex
	}()

	if evicted {
		s.notify(evictedHex, PeerEventEvicted)
	}
	if notifyHex != "" {
		s.notify(notifyHex, kind)
	}
}

// NoteObservedEndpoint records an endpoint a trusted peer told us about (for
// the target peer) or that we learned about ourselves via a pong echo.
func (s *Store) NoteObservedEndpoint(peerID []byte, addr *net.UDPAddr, observedByPeerIDHex string) {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.Lock()
	rec, exists := s.peers[peerIDHex]
	if !exists {
		rec = &Record{PeerID: append([]byte(nil), peerID...), NATType: NATUnknown}
		s.peers[peerIDHex] = rec
	}
	if ep := rec.endpoint(addr.String()); ep == nil {
		rec.Endpoints = append(rec.Endpoints, &Endpoint{
			Addr:       addr,
			ObservedBy: observedByPeerIDHex,
			Source:     SourceObserved,
		})
	}
	s.touchLRU(peerIDHex)
	s.mu.Unlock()
	s.notify(peerIDHex, PeerEventUpdated)
}

// MarkSendSuccess records a successful send to addr for peerID, bumping the
// endpoint's RTT sample and the peer's reliability score.
func (s *Store) MarkSendSuccess(peerID []byte, addr *net.UDPAddr, rtt time.Duration) {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.Lock()
	rec, exists := s.peers[peerIDHex]
	if exists {
		now := time.Now()
		if ep := rec.endpoint(addr.String()); ep != nil {
			ep.LastSuccessfulSend = now
			if rtt > 0 {
				ep.RTT = rtt
			}
		}
		rec.Reliability++
		rec.LastContact = now
		s.touchLRU(peerIDHex)
	}
	s.mu.Unlock()
	if exists {
		s.notify(peerIDHex, PeerEventUpdated)
	}
}

// MarkSendFailure records a failed send attempt's timestamp on the
// matching endpoint. Reliability itself is monotonically non-decreasing,
// so failures never lower it; callers needing consecutive-failure
// behavior (keepalive's staleness detection) track that separately. The
// timestamp is kept on the endpoint record; GetEndpoints' ranking does not
// consult it.
func (s *Store) MarkSendFailure(peerID []byte, addr *net.UDPAddr) {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.Lock()
	rec, exists := s.peers[peerIDHex]
	if exists {
		if ep := rec.endpoint(addr.String()); ep != nil {
			ep.LastFailedSend = time.Now()
		}
	}
	s.mu.Unlock()
}

// SetNATType updates a peer's classified NAT type.
func (s *Store) SetNATType(peerID []byte, nt NATType) {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.Lock()
	rec, exists := s.peers[peerIDHex]
	if exists {
		rec.NATType = nt
	}
	s.mu.Unlock()
	if exists {
		s.notify(peerIDHex, PeerEventUpdated)
	}
}

// GetEndpoints returns this peer's known endpoints ranked per policy:
//  1. a direct endpoint with a successful receive within recentContactMaxAge
//  2. direct endpoints that recently succeeded on send
//  3. observed endpoints learned from trusted peers
//  4. relay paths (never stored here; the Endpoint Manager appends those)
//
// Ties are broken by lowest measured RTT.
func (s *Store) GetEndpoints(peerID []byte, recentContactMaxAge time.Duration) []*Endpoint {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.peers[peerIDHex]
	if !exists {
		return nil
	}

	now := time.Now()
	ranked := make([]*Endpoint, len(rec.Endpoints))
	copy(ranked, rec.Endpoints)

	rank := func(e *Endpoint) int {
		if !e.LastSuccessfulReceive.IsZero() && now.Sub(e.LastSuccessfulReceive) < recentContactMaxAge {
			return 3
		}
		if !e.LastSuccessfulSend.IsZero() && now.Sub(e.LastSuccessfulSend) < recentContactMaxAge {
			return 2
		}
		if e.Source == SourceObserved || e.Source == SourceLearnedFromPeer {
			return 1
		}
		return 0
	}

	sortEndpoints(ranked, rank)
	return ranked
}

// less reports whether a should sort before b: higher rank first, then
// lower (nonzero) RTT first, with an unset RTT sorting last among ties.
func less(a, b *Endpoint, rank func(*Endpoint) int) bool {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra > rb
	}
	if a.RTT == 0 {
		return false
	}
	if b.RTT == 0 {
		return true
	}
	return a.RTT < b.RTT
}

func sortEndpoints(eps []*Endpoint, rank func(*Endpoint) int) {
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && less(eps[j], eps[j-1], rank); j-- {
			eps[j-1], eps[j] = eps[j], eps[j-1]
		}
	}
}

// Get returns a copy of one peer's record.
func (s *Store) Get(peerID []byte) (*Record, bool) {
	peerIDHex := hex.EncodeToString(peerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.peers[peerIDHex]
	if !exists {
		return nil, false
	}
	cp := *rec
	cp.Endpoints = append([]*Endpoint(nil), rec.Endpoints...)
	return &cp, true
}

// Restore repopulates the store from previously persisted records, e.g.
// on startup from pkg/store. It bypasses onDirty (loading is not itself a
// mutation worth re-persisting) and respects maxCachedPeers, admitting
// records in the order given until the cache is full.
func (s *Store) Restore(records []*Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range records {
		peerIDHex := rec.peerIDHex()
		if _, exists := s.peers[peerIDHex]; exists {
			continue
		}
		if s.lru.Len() >= s.maxCachedPeers {
			break
		}
		cp := *rec
		cp.Endpoints = append([]*Endpoint(nil), rec.Endpoints...)
		s.peers[peerIDHex] = &cp
		s.lruByHex[peerIDHex] = s.lru.PushFront(peerIDHex)
		restored++
	}
	return restored
}

// AllPeers returns a snapshot of every known peer record.
func (s *Store) AllPeers() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.peers))
	for _, rec := range s.peers {
		cp := *rec
		cp.Endpoints = append([]*Endpoint(nil), rec.Endpoints...)
		out = append(out, &cp)
	}
	return out
}

// EvictStale removes peers whose LastContact exceeds ttl and returns their
// hex-encoded peerIds.
func (s *Store) EvictStale(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	now := time.Now()
	for peerIDHex, rec := range s.peers {
		if now.Sub(rec.LastContact) > ttl {
			delete(s.peers, peerIDHex)
			if elem, ok := s.lruByHex[peerIDHex]; ok {
				s.lru.Remove(elem)
				delete(s.lruByHex, peerIDHex)
			}
			removed = append(removed, peerIDHex)
		}
	}
	return removed
}

// Count returns the number of cached peers.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func shortHex(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
