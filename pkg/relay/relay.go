// Package relay implements the Relay Engine: a willing third node forwards
// encrypted payloads between two peers that cannot reach each other
// directly. A relay never decrypts what it forwards — it only reads the
// outer envelope it would read for any packet passing through dispatch,
// and the session bookkeeping here identifies where RelayData bytes go
// next without ever looking inside them.
package relay

import (
	"encoding/hex"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

const (
	DefaultMaxSessions            = 64
	DefaultTunnelIdleTimeout      = 2 * time.Minute
	DefaultIngressKeepaliveInterval = 20 * time.Second
)

var (
	ErrAtCapacity        = errors.New("relay: at maxRelaySessions capacity")
	ErrTargetUnreachable = errors.New("relay: target has no known endpoint")
	ErrUnknownSession    = errors.New("relay: no such session")
	ErrNotAParty         = errors.New("relay: sender is not a party to this session")
)

// Session is one forwarding session on a relaying node, per spec.md's
// "session id, initiator peerId, target peerId, last-use timestamp, bytes
// forwarded".
type Session struct {
	SessionID      string
	Initiator      []byte
	Target         []byte
	LastActive     time.Time
	BytesForwarded uint64
}

// Server is the relay side: it accepts RelayRequests, tracks sessions, and
// resolves which address a RelayData frame should be forwarded to next.
// It performs no socket I/O itself — the Dispatcher writes the bytes to
// the address Forward hands back, through its Sender.
type Server struct {
	mu          sync.RWMutex
	peers       *peerstore.Store
	maxSessions int
	sessions    map[string]*Session
	byParties   map[string]string // pairKey(initiator,target) -> sessionId
}

func NewServer(peers *peerstore.Store, maxSessions int) *Server {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Server{
		peers:       peers,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		byParties:   make(map[string]string),
	}
}

// Request handles a RelayRequest(sessionId, target): it refuses once at
// maxRelaySessions capacity, or if target has no endpoint we could forward
// to, and otherwise opens the session and the caller should reply
// RelayAccepted.
func (s *Server) Request(sessionID string, initiator, target []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return nil // idempotent retry of an already-accepted request
	}
	if len(s.sessions) >= s.maxSessions {
		return ErrAtCapacity
	}
	if len(s.peers.GetEndpoints(target, 0)) == 0 {
		return ErrTargetUnreachable
	}

	s.sessions[sessionID] = &Session{
		SessionID:  sessionID,
		Initiator:  append([]byte(nil), initiator...),
		Target:     append([]byte(nil), target...),
		LastActive: time.Now(),
	}
	s.byParties[pairKey(initiator, target)] = sessionID
	log.Printf("[Relay] accepted session %s for %s <-> %s", shortSession(sessionID), shortHex(initiator), shortHex(target))
	return nil
}

// SessionFor looks up the session id covering a (from, to) pair in either
// order, letting the Dispatcher forward a plain datagram whose header
// names a ToPeerID other than us without needing the sender to repeat its
// session id on every packet.
func (s *Server) SessionFor(a, b []byte) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byParties[pairKey(a, b)]
	return id, ok
}

func pairKey(a, b []byte) string {
	ha, hb := hex.EncodeToString(a), hex.EncodeToString(b)
	if ha < hb {
		return ha + "|" + hb
	}
	return hb + "|" + ha
}

// Forward resolves the other party's current best endpoint for a RelayData
// frame arriving from fromPeer, and records the byte count and activity.
// The caller forwards opaque unchanged to the returned address; Forward
// never inspects or alters it.
func (s *Server) Forward(sessionID string, fromPeer []byte, opaque []byte) (*net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}

	var toPeer []byte
	switch {
	case equalPeer(fromPeer, sess.Initiator):
		toPeer = sess.Target
	case equalPeer(fromPeer, sess.Target):
		toPeer = sess.Initiator
	default:
		return nil, ErrNotAParty
	}

	eps := s.peers.GetEndpoints(toPeer, 0)
	if len(eps) == 0 {
		return nil, ErrTargetUnreachable
	}

	sess.LastActive = time.Now()
	sess.BytesForwarded += uint64(len(opaque))
	return eps[0].Addr, nil
}

// KeepAlive refreshes a session's last-use timestamp without forwarding
// any data, defeating the idle timeout when traffic is momentarily quiet.
func (s *Server) KeepAlive(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	sess.LastActive = time.Now()
	return nil
}

// SweepIdle tears down every session idle past tunnelIdleTimeout, returning
// the session ids it evicted.
func (s *Server) SweepIdle(now time.Time, tunnelIdleTimeout time.Duration) []string {
	if tunnelIdleTimeout <= 0 {
		tunnelIdleTimeout = DefaultTunnelIdleTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive) > tunnelIdleTimeout {
			evicted = append(evicted, id)
			delete(s.sessions, id)
			delete(s.byParties, pairKey(sess.Initiator, sess.Target))
		}
	}
	if len(evicted) > 0 {
		log.Printf("[Relay] swept %d idle session(s)", len(evicted))
	}
	return evicted
}

// Count returns the number of sessions currently held open.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns a snapshot copy of one session, for diagnostics.
func (s *Server) Stats(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ClientSession is the client side's bookkeeping for one relayed session:
// "session id, chosen relay, last-use" per spec.md.
type ClientSession struct {
	SessionID     string
	Relay         []byte
	Target        []byte
	LastKeepalive time.Time
}

// Client tracks this node's own outbound relay sessions so it knows when
// to send the next ingress keepalive to defeat the relay's idle timeout.
type Client struct {
	mu       sync.Mutex
	sessions map[string]*ClientSession
}

func NewClient() *Client {
	return &Client{sessions: make(map[string]*ClientSession)}
}

// Open starts tracking a new session against relay for target, generating
// a fresh session id the caller sends as part of RelayRequest.
func (c *Client) Open(relay, target []byte) *ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := &ClientSession{
		SessionID:     uuid.NewString(),
		Relay:         append([]byte(nil), relay...),
		Target:        append([]byte(nil), target...),
		LastKeepalive: time.Now(),
	}
	c.sessions[sess.SessionID] = sess
	return sess
}

// NoteKeepaliveSent records that a keepalive was just sent on a session.
func (c *Client) NoteKeepaliveSent(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[sessionID]; ok {
		sess.LastKeepalive = time.Now()
	}
}

// DueForKeepalive returns every session whose last keepalive is older than
// ingressKeepaliveInterval, the set a client's ticker should re-ping.
func (c *Client) DueForKeepalive(now time.Time, ingressKeepaliveInterval time.Duration) []*ClientSession {
	if ingressKeepaliveInterval <= 0 {
		ingressKeepaliveInterval = DefaultIngressKeepaliveInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*ClientSession
	for _, sess := range c.sessions {
		if now.Sub(sess.LastKeepalive) >= ingressKeepaliveInterval {
			due = append(due, sess)
		}
	}
	return due
}

// Close stops tracking a session, e.g. once the direct or hole-punched
// path has taken over and the relay is no longer needed.
func (c *Client) Close(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
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

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

func shortSession(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
