package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/omertamesh/omertamesh/pkg/events"
	"github.com/omertamesh/omertamesh/pkg/gossip"
	"github.com/omertamesh/omertamesh/pkg/holepunch"
)

// handleKeepalive answers mesh-ping: a plain request gets a pong carrying
// our observation of the sender's address plus (unless the request asked
// for a lightweight reply) a sample of peers we know about; a pong is
// routed to whichever Ping call is waiting on its nonce.
func (n *Node) handleKeepalive(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var msg pingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	if msg.Pong {
		n.pingMu.Lock()
		ch, ok := n.pingWaiters[msg.Nonce]
		n.pingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	reply := pingMessage{Nonce: msg.Nonce, Pong: true}
	if addr != nil {
		reply.ObservedAddr = addr.String()
	}
	if !msg.Lightweight {
		reply.LearnedPeers = n.samplePeerIDs(8)
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if addr != nil {
		if err := n.sendPacketTo(addr, from, "mesh-ping", out); err != nil {
			log.Printf("[Node] pong to %s failed: %v", shortHex(from), err)
		}
	}
}

func (n *Node) samplePeerIDs(max int) []string {
	all := n.peers.AllPeers()
	out := make([]string, 0, max)
	for _, p := range all {
		out = append(out, hex.EncodeToString(p.PeerID))
		if len(out) >= max {
			break
		}
	}
	return out
}

// handleGossip folds an incoming announcement into the gossip manager and
// records every endpoint it advertises so CandidatePaths has something to
// try.
func (n *Node) handleGossip(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var ann gossip.Announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		return
	}
	if err := n.gossipMgr.HandleAnnouncement(&ann); err != nil {
		return
	}
	for _, ep := range ann.Endpoints {
		udp, err := net.ResolveUDPAddr("udp", ep.Addr)
		if err != nil {
			continue
		}
		n.peers.NoteObservedEndpoint(ann.PeerID, udp, hex.EncodeToString(from))
	}
}

func (n *Node) handleDirQuery(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var q dirQueryMessage
	if err := json.Unmarshal(payload, &q); err != nil {
		return
	}
	target, err := hex.DecodeString(q.Target)
	if err != nil {
		return
	}
	requester, _ := hex.DecodeString(q.Requester)
	ans, ok := n.gossipMgr.HandleWhoHasRecentQuery(target, requester, time.Duration(q.MaxAgeMs)*time.Millisecond)
	if !ok || addr == nil {
		return
	}
	resp := dirResponseMessage{Target: q.Target, Found: true, ObservedAt: ans.ObservedAt, ReachablePath: ans.ReachablePath}
	if ans.Endpoint != nil {
		resp.Addr = ans.Endpoint.String()
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := n.sendPacketTo(addr, from, "mesh-dir-response", out); err != nil {
		log.Printf("[Node] dir-response to %s failed: %v", shortHex(from), err)
	}
}

func (n *Node) handleDirResponse(from []byte, _ string, payload []byte, _ *net.UDPAddr) {
	var resp dirResponseMessage
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	if !resp.Found || resp.Addr == "" {
		return
	}
	target, err := hex.DecodeString(resp.Target)
	if err != nil {
		return
	}
	udp, err := net.ResolveUDPAddr("udp", resp.Addr)
	if err != nil {
		return
	}
	n.peers.NoteObservedEndpoint(target, udp, hex.EncodeToString(from))
}

// handleHolePunchSchedule plays both roles a node can take on
// mesh-holepunch-schedule: a coordinator receiving a "request" envelope
// submits it to punchCoord and, once both sides of a pair have checked
// in, pushes a signed "schedule" envelope to each; either party receiving
// a "schedule" envelope verifies it and wakes whichever SendViaHolePunch
// call is waiting on the other party's hex peer ID.
func (n *Node) handleHolePunchSchedule(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var env holePunchEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	switch env.Kind {
	case "request":
		req := holepunch.Request{From: env.From, Target: env.Target, FromEndpoint: env.FromAddr}
		deliveries, ready, err := n.punchCoord.Submit(req)
		if err != nil || !ready {
			return
		}
		for _, d := range deliveries {
			n.deliverSchedule(d.ToPeer, d.Schedule)
		}
	case "schedule":
		if env.Schedule == nil || !n.toPunchSchedule(env.Schedule).Verify() {
			return
		}
		sched := n.toPunchSchedule(env.Schedule)
		other := sched.Target
		if equalPeer(sched.Target, n.id.PeerID()) {
			other = sched.Initiator
		}
		n.punchMu.Lock()
		ch, ok := n.punchWaiters[hex.EncodeToString(other)]
		n.punchMu.Unlock()
		if ok {
			select {
			case ch <- sched:
			default:
			}
		}
	}
}

func (n *Node) deliverSchedule(to []byte, sched *holepunch.PunchSchedule) {
	addr, err := n.bestKnownAddr(to)
	if err != nil {
		log.Printf("[Node] no endpoint to deliver punch schedule to %s: %v", shortHex(to), err)
		return
	}
	env := holePunchEnvelope{Kind: "schedule", Schedule: fromPunchSchedule(sched)}
	out, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := n.sendPacketTo(addr, to, "mesh-holepunch-schedule", out); err != nil {
		log.Printf("[Node] delivering punch schedule to %s failed: %v", shortHex(to), err)
	}
}

func fromPunchSchedule(s *holepunch.PunchSchedule) *scheduleOnWire {
	return &scheduleOnWire{
		Coordinator:       s.Coordinator,
		Initiator:         s.Initiator,
		Target:            s.Target,
		T0:                s.T0,
		InitiatorEndpoint: s.InitiatorEndpoint,
		TargetEndpoint:    s.TargetEndpoint,
		Signature:         s.Signature,
	}
}

func (n *Node) toPunchSchedule(w *scheduleOnWire) *holepunch.PunchSchedule {
	return &holepunch.PunchSchedule{
		Coordinator:       w.Coordinator,
		Initiator:         w.Initiator,
		Target:            w.Target,
		T0:                w.T0,
		InitiatorEndpoint: w.InitiatorEndpoint,
		TargetEndpoint:    w.TargetEndpoint,
		Signature:         w.Signature,
	}
}

// runHolePunch asks coordinator to pair us with target and waits for the
// resulting schedule, then drives the probe burst that actually opens the
// NAT binding before the caller's real payload goes out.
func (n *Node) runHolePunch(ctx context.Context, coordinator, target []byte) (*holepunch.PunchSchedule, error) {
	coordAddr, err := n.bestKnownAddr(coordinator)
	if err != nil {
		return nil, err
	}

	key := hex.EncodeToString(target)
	ch := make(chan *holepunch.PunchSchedule, 1)
	n.punchMu.Lock()
	n.punchWaiters[key] = ch
	n.punchMu.Unlock()
	defer func() {
		n.punchMu.Lock()
		delete(n.punchWaiters, key)
		n.punchMu.Unlock()
	}()

	env := holePunchEnvelope{Kind: "request", From: n.id.PeerID(), Target: target, FromAddr: n.currentSelfAddr()}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := n.sendPacketTo(coordAddr, coordinator, "mesh-holepunch-schedule", out); err != nil {
		return nil, err
	}

	var sched *holepunch.PunchSchedule
	select {
	case sched = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(n.cfg.ConnectionTimeout):
		return nil, errNoPunchSchedule(target)
	}

	var peerEndpoint *net.UDPAddr
	if equalPeer(sched.Initiator, n.id.PeerID()) {
		peerEndpoint = sched.TargetEndpoint
	} else {
		peerEndpoint = sched.InitiatorEndpoint
	}
	n.punchEngine.Begin(target, peerEndpoint, sched.T0)
	for _, t := range n.punchEngine.ProbeTimes(sched.T0) {
		delay := time.Until(t)
		if delay > 0 {
			time.Sleep(delay)
		}
		nonce := hex.EncodeToString(newMessageID())
		probe := holePunchProbeMessage{Nonce: nonce}
		probeOut, _ := json.Marshal(probe)
		_ = n.sendPacketTo(peerEndpoint, target, "mesh-holepunch-probe", probeOut)
	}
	n.punchEngine.Sweep(time.Now().Add(n.cfg.ConnectionTimeout))
	return sched, nil
}

func (n *Node) handleHolePunchProbe(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var msg holePunchProbeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Reply {
		_ = n.punchEngine.NoteProbeReply(from, 0)
		return
	}
	if addr == nil {
		return
	}
	reply := holePunchProbeMessage{Nonce: msg.Nonce, Reply: true}
	out, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = n.sendPacketTo(addr, from, "mesh-holepunch-probe", out)
}

func (n *Node) handleRelayRequest(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var req relayRequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	if err := n.relaySrv.Request(req.SessionID, req.Initiator, req.Target); err != nil {
		log.Printf("[Node] relay request %s rejected: %v", req.SessionID, err)
		return
	}
	if addr == nil {
		return
	}
	out, err := json.Marshal(relayAcceptedMessage{SessionID: req.SessionID})
	if err != nil {
		return
	}
	_ = n.sendPacketTo(addr, from, "mesh-relay-accepted", out)
}

func (n *Node) handleRelayAccepted(from []byte, _ string, payload []byte, _ *net.UDPAddr) {
	var msg relayAcceptedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	n.relayMu.Lock()
	ch, ok := n.relayWaiters[msg.SessionID]
	n.relayMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// handleRelayData exists only to satisfy the Handlers surface: actual
// relayed application traffic never reaches this handler. It arrives
// addressed ToPeerID=target (not this relay node), so the Dispatcher's
// own forwarding check intercepts and hands it to Forwarder.Forward
// before the App/reserved-channel dispatch this handler sits behind ever
// runs. A datagram that does land here was addressed to us directly on
// the mesh-relay-data channel, which nothing in this node ever sends.
func (n *Node) handleRelayData(from []byte, _ string, _ []byte, _ *net.UDPAddr) {
	log.Printf("[Node] unexpected direct mesh-relay-data delivery from %s", shortHex(from))
}

// handleCloister plays the responder role of both Cloister flows
// (network-key negotiation and invite-key exchange) and, on receiving the
// sealed invite payload itself, switches this node onto the new network.
func (n *Node) handleCloister(from []byte, _ string, payload []byte, addr *net.UDPAddr) {
	var msg cloisterMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	switch msg.Type {
	case cloisterTypeNetworkKeyOffer:
		var initiatorPub [32]byte
		copy(initiatorPub[:], msg.EphemeralPub)
		responderPub, sealedConfirm, _, err := n.cloisterMgr.RespondToNetworkKeyNegotiation(msg.RequestID, from, initiatorPub)
		if err != nil {
			log.Printf("[Node] cloister network-key negotiation %s failed: %v", msg.RequestID, err)
			return
		}
		n.replyCloister(addr, from, cloisterMessage{
			Type:          cloisterTypeNetworkKeyResponse,
			RequestID:     msg.RequestID,
			EphemeralPub:  responderPub[:],
			SealedConfirm: sealedConfirm,
		})

	case cloisterTypeNetworkKeyResponse, cloisterTypeInviteResponse:
		n.cloisterMu.Lock()
		ch, ok := n.cloisterWaiters[msg.RequestID]
		n.cloisterMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}

	case cloisterTypeInviteOffer:
		var initiatorPub [32]byte
		copy(initiatorPub[:], msg.EphemeralPub)
		responderPub, err := n.cloisterMgr.RespondToInviteKeyExchange(msg.RequestID, from, initiatorPub)
		if err != nil {
			log.Printf("[Node] cloister invite exchange %s failed: %v", msg.RequestID, err)
			return
		}
		n.replyCloister(addr, from, cloisterMessage{
			Type:         cloisterTypeInviteResponse,
			RequestID:    msg.RequestID,
			EphemeralPub: responderPub[:],
		})

	case cloisterTypeInvitePayload:
		key, networkID, err := n.cloisterMgr.OpenInvitePayload(msg.RequestID, msg.Sealed)
		if err != nil {
			log.Printf("[Node] opening cloister invite %s failed: %v", msg.RequestID, err)
			return
		}
		if err := n.switchNetwork(key, networkID); err != nil {
			log.Printf("[Node] switching to invited network %s failed: %v", networkID, err)
			return
		}
		n.cloisterMgr.FinalizeInvite(msg.RequestID)
		n.eventsPub.Note(events.NetworkJoined, "joined network "+networkID+" via invite from "+shortHex(from))
	}
}

func (n *Node) replyCloister(addr *net.UDPAddr, to []byte, msg cloisterMessage) {
	if addr == nil {
		return
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	channelName := "cloister-negotiate"
	if msg.Type == cloisterTypeInviteResponse {
		channelName = "invite-exchange"
	}
	if err := n.sendPacketTo(addr, to, channelName, out); err != nil {
		log.Printf("[Node] cloister reply to %s failed: %v", shortHex(to), err)
	}
}

// keepaliveLoop pings whichever peers keepalive.Manager's weighted cycle
// selects, feeding the result back in so stale peers fall off and
// recently-unreachable ones get retried sooner.
func (n *Node) keepaliveLoop() {
	defer n.wg.Done()
	interval := n.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, k := range n.keepaliveMgr.SelectCycle() {
				peerID, err := hex.DecodeString(k.PeerIDHex)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ConnectionTimeout)
				_, err = n.Ping(ctx, peerID, true)
				cancel()
				n.keepaliveMgr.NotePingResult(peerID, k.MachineID, err == nil)
			}
		}
	}
}

// gossipLoop flushes pending announcements once a second to every known
// peer that has an endpoint. Freshness queries are answered by
// handleDirQuery as they arrive, not here.
func (n *Node) gossipLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.flushGossip()
		}
	}
}

// defaultGossipFlushBudget bounds how many bytes of pending announcements
// flushGossip emits per one-second tick. It is passed to Flush explicitly,
// so pkg/gossip's BytesPerSecondBudget (Flush's fallback for a
// non-positive budget) does not apply here.
const defaultGossipFlushBudget = 4096

func (n *Node) flushGossip() {
	anns := n.gossipMgr.Flush(defaultGossipFlushBudget)
	if len(anns) == 0 {
		return
	}
	targets := n.peers.AllPeers()
	for _, ann := range anns {
		out, err := json.Marshal(ann)
		if err != nil {
			continue
		}
		for _, p := range targets {
			addr := n.firstEndpoint(p.PeerID)
			if addr == nil {
				continue
			}
			_ = n.sendPacketTo(addr, p.PeerID, "mesh-gossip", out)
		}
	}
}

func (n *Node) firstEndpoint(peerID []byte) *net.UDPAddr {
	eps := n.peers.GetEndpoints(peerID, 0)
	if len(eps) == 0 {
		return nil
	}
	return eps[0].Addr
}

// maintenanceLoop runs the periodic upkeep that does not belong to any
// single protocol: evicting stale peers, sweeping relay sessions (both
// sides) and timed-out hole-punch attempts.
// peerExpiryTTL, relayIdleTimeout and relayKeepaliveInterval are not part
// of spec.md's tunable configuration surface; they are fixed operational
// constants the way pkg/bootstrap and pkg/natprobe fix their own timeouts.
const (
	peerExpiryTTL          = 10 * time.Minute
	relayIdleTimeout        = 2 * time.Minute
	relayKeepaliveInterval = 20 * time.Second
)

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			n.peers.EvictStale(peerExpiryTTL)
			n.relaySrv.SweepIdle(now, relayIdleTimeout)
			n.punchEngine.Sweep(now)
			for _, sess := range n.relayClient.DueForKeepalive(now, relayKeepaliveInterval) {
				if addr, err := n.bestKnownAddr(sess.Relay); err == nil {
					_ = n.sendPacketTo(addr, sess.Relay, "mesh-relay-accepted", nil)
				}
				n.relayClient.NoteKeepaliveSent(sess.SessionID)
			}
		}
	}
}

func errNoPunchSchedule(target []byte) error {
	return &holePunchTimeoutError{target: target}
}

type holePunchTimeoutError struct{ target []byte }

func (e *holePunchTimeoutError) Error() string {
	return "node: no hole-punch schedule received for " + shortHex(e.target)
}
