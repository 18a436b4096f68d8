// Package holepunch implements coordinator-assisted simultaneous-send NAT
// traversal. Like pkg/endpoint, it performs no network I/O itself: the
// schedule and probe messages it builds travel over pkg/channel's
// mesh-holepunch-schedule and mesh-holepunch-probe reserved channels, and
// the dispatcher feeds probe replies back in through NoteProbeReply.
package holepunch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/omertamesh/omertamesh/pkg/endpoint"
	"github.com/omertamesh/omertamesh/pkg/identity"
)

var punchTracer = otel.Tracer("omertamesh.holepunch")

const (
	// CoordinationSessionTTL bounds how long a coordinator waits for both
	// sides of a pair to submit their request before giving up.
	CoordinationSessionTTL = 20 * time.Second
	// StartLeadTime is the default delta added to "now" when a coordinator
	// picks t0, giving the schedule time to reach both ends first.
	StartLeadTime = 1200 * time.Millisecond

	DefaultProbeCount    = 5
	DefaultProbeInterval = 300 * time.Millisecond
	DefaultTimeout       = 10 * time.Second
	DefaultCooldown      = 15 * time.Second
)

// Reason identifies why a punch attempt ended without a verified endpoint.
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonBothSymmetric      Reason = "bothSymmetric"
	ReasonCoordinatorRefused Reason = "coordinatorRefused"
	ReasonSuperseded         Reason = "superseded"
)

var (
	ErrCannotCoordinate = errors.New("holepunch: coordinator has no direct path to both peers yet")
	ErrUnknownAttempt   = errors.New("holepunch: no in-flight attempt for this pair")
	ErrBadSchedule      = errors.New("holepunch: schedule failed signature verification")
)

func pairKey(a, b []byte) string {
	ha, hb := hex.EncodeToString(a), hex.EncodeToString(b)
	if ha < hb {
		return ha + "|" + hb
	}
	return hb + "|" + ha
}

// PunchSchedule is the message a coordinator signs and forwards to both
// the initiator and the target, telling each where to aim its probe burst
// and when to start firing.
type PunchSchedule struct {
	Coordinator       []byte
	Initiator         []byte
	Target            []byte
	T0                time.Time
	InitiatorEndpoint *net.UDPAddr
	TargetEndpoint    *net.UDPAddr
	Signature         []byte
}

func (s *PunchSchedule) signingInput() []byte {
	buf := fmt.Sprintf("%x|%x|%x|%d|%s|%s",
		s.Coordinator, s.Initiator, s.Target, s.T0.UnixNano(),
		endpointString(s.InitiatorEndpoint), endpointString(s.TargetEndpoint))
	return []byte(buf)
}

func endpointString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (s *PunchSchedule) sign(coordinator *identity.Identity) {
	s.Coordinator = coordinator.PeerID()
	s.Signature = coordinator.Sign(s.signingInput())
}

// Verify checks the coordinator's signature over the schedule. Either end
// receiving a PunchSchedule must call this before acting on it.
func (s *PunchSchedule) Verify() bool {
	if len(s.Signature) == 0 || len(s.Coordinator) == 0 {
		return false
	}
	return identity.Verify(s.Coordinator, s.signingInput(), s.Signature)
}

// pendingOffer is one side's submitted request, held by the coordinator
// until the other side shows up or the session expires.
type pendingOffer struct {
	peerID   []byte
	endpoint *net.UDPAddr
}

type coordSession struct {
	offers    map[string]*pendingOffer // peerIdHex -> offer
	createdAt time.Time
}

// Request is what an initiator asks a coordinator to do: schedule a punch
// with target, advertising fromEndpoint as where the coordinator observed
// (or the initiator believes) it is reachable.
type Request struct {
	From         []byte
	Target       []byte
	FromEndpoint *net.UDPAddr
}

// Delivery is one half of a scheduled punch that the coordinator needs
// handed to a specific peer over the channel service.
type Delivery struct {
	ToPeer   []byte
	Schedule *PunchSchedule
}

// Coordinator matches up two peers' independent punch requests into a
// single synchronized PunchSchedule for each, the way an introducer
// reconciles two rendezvous offers into one start time for both sides.
type Coordinator struct {
	mu       sync.Mutex
	identity *identity.Identity
	sessions map[string]*coordSession
}

func NewCoordinator(id *identity.Identity) *Coordinator {
	return &Coordinator{identity: id, sessions: make(map[string]*coordSession)}
}

func (c *Coordinator) pruneExpiredLocked(now time.Time) {
	for k, s := range c.sessions {
		if now.Sub(s.createdAt) > CoordinationSessionTTL {
			delete(c.sessions, k)
		}
	}
}

// Submit records one side's punch request. It returns ready=true with two
// Deliveries once both sides of the pair have submitted; otherwise it
// returns ready=false and waits for the other side (or the session to
// expire).
func (c *Coordinator) Submit(req Request) ([]Delivery, bool, error) {
	_, span := punchTracer.Start(context.Background(), "Coordinator.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("holepunch.from", shortHex(req.From)),
		attribute.String("holepunch.target", shortHex(req.Target)),
	)

	if len(req.From) == 0 || len(req.Target) == 0 || req.FromEndpoint == nil {
		return nil, false, ErrCannotCoordinate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneExpiredLocked(now)

	key := pairKey(req.From, req.Target)
	sess, ok := c.sessions[key]
	if !ok {
		sess = &coordSession{offers: make(map[string]*pendingOffer), createdAt: now}
		c.sessions[key] = sess
	}
	sess.offers[hex.EncodeToString(req.From)] = &pendingOffer{peerID: req.From, endpoint: req.FromEndpoint}

	a, aok := sess.offers[hex.EncodeToString(req.From)]
	b, bok := sess.offers[hex.EncodeToString(req.Target)]
	if !aok || !bok {
		log.Printf("[HolePunch] coordinator waiting on pair %s: have %s, waiting for %s", shortKey(key), shortHex(req.From), shortHex(req.Target))
		return nil, false, nil
	}

	t0 := now.Add(StartLeadTime)
	toA := &PunchSchedule{Initiator: a.peerID, Target: b.peerID, T0: t0, InitiatorEndpoint: a.endpoint, TargetEndpoint: b.endpoint}
	toB := &PunchSchedule{Initiator: a.peerID, Target: b.peerID, T0: t0, InitiatorEndpoint: a.endpoint, TargetEndpoint: b.endpoint}
	toA.sign(c.identity)
	toB.sign(c.identity)

	delete(c.sessions, key)
	log.Printf("[HolePunch] coordinator scheduled pair %s<->%s at %s", shortHex(a.peerID), shortHex(b.peerID), t0.Format(time.RFC3339Nano))

	return []Delivery{{ToPeer: a.peerID, Schedule: toA}, {ToPeer: b.peerID, Schedule: toB}}, true, nil
}

// attempt tracks one in-flight punch from either end's point of view.
type attempt struct {
	peer        []byte
	target      *net.UDPAddr
	probesSent  int
	deadline    time.Time
	succeeded   bool
	succeededAt time.Time
	rtt         time.Duration
	reason      Reason
}

// Config bundles the probe-burst tunables.
type Config struct {
	ProbeCount    int
	ProbeInterval time.Duration
	Timeout       time.Duration
	Cooldown      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeCount <= 0 {
		c.ProbeCount = DefaultProbeCount
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// Engine tracks in-flight punch attempts for this node, on whichever side
// (initiator or target) it happens to be playing. It decides when to send
// the next probe, recognizes the first successful round trip, and signals
// pkg/endpoint's cooldown map on a BothSymmetric failure.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	attempts map[string]*attempt
	em       *endpoint.Manager
}

func NewEngine(cfg Config, em *endpoint.Manager) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, attempts: make(map[string]*attempt), em: em}
}

// Begin starts tracking a new attempt against peer's observed endpoint
// from a verified PunchSchedule, returning the deadline by which it must
// succeed or be declared failed.
func (e *Engine) Begin(peer []byte, target *net.UDPAddr, t0 time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := t0.Add(e.cfg.Timeout)
	e.attempts[hex.EncodeToString(peer)] = &attempt{peer: peer, target: target, deadline: deadline}
	return deadline
}

// ProbeTimes returns the probeCount send times for an attempt, starting at
// t0 and spaced probeInterval apart. Fresh nonces per send are the
// caller's responsibility (each probe is a distinct authenticated ping
// through the normal wire-format codec, so replay protection is already
// covered by its own nonce).
func (e *Engine) ProbeTimes(t0 time.Time) []time.Time {
	times := make([]time.Time, 0, e.cfg.ProbeCount)
	for i := 0; i < e.cfg.ProbeCount; i++ {
		times = append(times, t0.Add(time.Duration(i)*e.cfg.ProbeInterval))
	}
	return times
}

// NoteProbeReply records a successful round trip for peer, measured rtt
// after the probe was sent. The first call wins; later calls for the same
// peer are ignored once an attempt has already succeeded.
func (e *Engine) NoteProbeReply(peer []byte, rtt time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.attempts[hex.EncodeToString(peer)]
	if !ok {
		return ErrUnknownAttempt
	}
	if a.succeeded {
		return nil
	}
	a.succeeded = true
	a.succeededAt = time.Now()
	a.rtt = rtt
	log.Printf("[HolePunch] punch succeeded with %s rtt=%s", shortHex(peer), rtt)
	return nil
}

// Result reports the terminal state of an attempt: (true, rtt, "") on
// success, or (false, 0, reason) on failure. It returns ErrUnknownAttempt
// if Begin was never called for this peer.
func (e *Engine) Result(peer []byte) (bool, time.Duration, Reason, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.attempts[hex.EncodeToString(peer)]
	if !ok {
		return false, 0, "", ErrUnknownAttempt
	}
	if a.succeeded {
		return true, a.rtt, "", nil
	}
	return false, 0, a.reason, nil
}

// Fail marks an attempt as failed for the given reason. A BothSymmetric
// failure also starts the endpoint manager's hole-punch cooldown so the
// next CandidatePaths call for this peer skips straight to relay.
func (e *Engine) Fail(peer []byte, reason Reason) {
	e.mu.Lock()
	a, ok := e.attempts[hex.EncodeToString(peer)]
	if ok && !a.succeeded {
		a.reason = reason
	}
	e.mu.Unlock()

	log.Printf("[HolePunch] punch with %s failed: %s", shortHex(peer), reason)
	if reason == ReasonBothSymmetric && e.em != nil {
		e.em.NoteHolePunchFailure(peer)
	}
}

// Sweep declares timeout failure for every attempt whose deadline has
// passed without a success, returning the peers it just failed. A caller
// runs this on a ticker to reap attempts nobody explicitly resolved.
func (e *Engine) Sweep(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var timedOut []string
	for hexID, a := range e.attempts {
		if a.succeeded || a.reason != "" {
			continue
		}
		if now.After(a.deadline) {
			a.reason = ReasonTimeout
			timedOut = append(timedOut, hexID)
		}
	}
	sort.Strings(timedOut)
	return timedOut
}

// Forget discards an attempt's bookkeeping once its caller has consumed
// the terminal result.
func (e *Engine) Forget(peer []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, hex.EncodeToString(peer))
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

func shortKey(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}
