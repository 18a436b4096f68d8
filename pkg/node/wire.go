package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/omertamesh/omertamesh/pkg/channel"
	"github.com/omertamesh/omertamesh/pkg/wireformat"
)

// receiveLoop is the only goroutine that reads the UDP socket; every
// datagram is handed to the current network's Dispatcher.
func (n *Node) receiveLoop() {
	defer n.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}
		n.conn.SetReadDeadline(time.Now().Add(time.Second))
		read, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		raw := append([]byte(nil), buf[:read]...)
		n.currentDispatcher().HandleDatagram(raw, addr)
	}
}

func newMessageID() []byte {
	id := make([]byte, 16)
	_, _ = rand.Read(id)
	return id
}

// buildAndSign constructs the wire header for an outbound message on this
// node's currently active network, computing the Ed25519 signature over
// exactly the fields wireformat.SigningInput covers.
func (n *Node) buildAndSign(to []byte, channelName string, plaintext []byte) ([]byte, wireformat.Header, error) {
	key, networkID := n.currentNetworkSnapshot()
	h := wireformat.Header{
		FromPeerID:      n.id.PeerID(),
		ToPeerID:        to,
		Channel:         channelName,
		TimestampMs:     time.Now().UnixMilli(),
		MessageID:       newMessageID(),
		SenderPublicKey: n.id.PeerID(),
	}
	h.Signature = n.id.Sign(wireformat.SigningInput(networkID, h, plaintext))
	raw, err := wireformat.Encode(key, h, plaintext)
	return raw, h, err
}

// sendPacketTo encodes and signs an application payload addressed to
// toPeerID and writes it straight to addr, bypassing path selection. It
// is how a reply is sent back to wherever a request was just seen coming
// from, and how the escalation ladder's direct/relay/hole-punch stages
// perform their actual socket write.
func (n *Node) sendPacketTo(addr *net.UDPAddr, toPeerID []byte, channelName string, plaintext []byte) error {
	raw, _, err := n.buildAndSign(toPeerID, channelName, plaintext)
	if err != nil {
		return fmt.Errorf("node: encode packet: %w", err)
	}
	return n.writeUDP(addr, raw)
}

func (n *Node) writeUDP(addr *net.UDPAddr, raw []byte) error {
	if n.conn == nil {
		return fmt.Errorf("node: socket not bound")
	}
	_, err := n.conn.WriteToUDP(raw, addr)
	return err
}

// SendRaw implements dispatch.Sender: re-emitting a forwarded datagram
// unchanged for a relay session.
func (n *Node) SendRaw(addr *net.UDPAddr, raw []byte) error {
	return n.writeUDP(addr, raw)
}

// SendDirect implements channel.PathSender for the direct-path shape.
func (n *Node) SendDirect(ctx context.Context, addr *net.UDPAddr, to, payload []byte, channelName string) error {
	start := time.Now()
	if err := n.sendPacketTo(addr, to, channelName, payload); err != nil {
		n.peers.MarkSendFailure(to, addr)
		return err
	}
	n.peers.MarkSendSuccess(to, addr, time.Since(start))
	return nil
}

// SendViaHolePunch implements channel.PathSender for the coordinator-
// assisted NAT traversal shape: request a schedule, fire the probe burst,
// then send the real payload to the endpoint the schedule names. It does
// not wait for a probe reply first.
func (n *Node) SendViaHolePunch(ctx context.Context, coordinator, to, payload []byte, channelName string) error {
	schedule, err := n.runHolePunch(ctx, coordinator, to)
	if err != nil {
		return err
	}

	var targetAddr *net.UDPAddr
	if equalPeer(schedule.Initiator, n.id.PeerID()) {
		targetAddr = schedule.TargetEndpoint
	} else {
		targetAddr = schedule.InitiatorEndpoint
	}
	if targetAddr == nil {
		return fmt.Errorf("node: hole-punch schedule carried no usable endpoint for %s", shortHex(to))
	}
	return n.SendDirect(ctx, targetAddr, to, payload, channelName)
}

// SendViaRelay implements channel.PathSender for the relay shape: open
// (or reuse) a session on relayPeer, then send the payload addressed to
// the real target through the relay's address so its Dispatcher forwards
// it per pkg/relay's session table.
func (n *Node) SendViaRelay(ctx context.Context, relayPeer, to, payload []byte, channelName string) error {
	relayAddr, err := n.bestKnownAddr(relayPeer)
	if err != nil {
		return fmt.Errorf("node: no known endpoint for relay %s: %w", shortHex(relayPeer), err)
	}

	sess := n.relayClient.Open(relayPeer, to)
	if err := n.requestRelaySession(ctx, relayAddr, sess.SessionID, to); err != nil {
		return err
	}

	raw, _, err := n.buildAndSign(to, channelName, payload)
	if err != nil {
		return fmt.Errorf("node: encode relayed packet: %w", err)
	}
	if err := n.writeUDP(relayAddr, raw); err != nil {
		n.peers.MarkSendFailure(to, relayAddr)
		return err
	}
	n.peers.MarkSendSuccess(to, relayAddr, 0)
	return nil
}

func (n *Node) bestKnownAddr(peerID []byte) (*net.UDPAddr, error) {
	eps := n.peers.GetEndpoints(peerID, 0)
	if len(eps) == 0 {
		return nil, channel.ErrNoPaths
	}
	return eps[0].Addr, nil
}

func (n *Node) requestRelaySession(ctx context.Context, relayAddr *net.UDPAddr, sessionID string, target []byte) error {
	ch := make(chan struct{}, 1)
	n.relayMu.Lock()
	n.relayWaiters[sessionID] = ch
	n.relayMu.Unlock()
	defer func() {
		n.relayMu.Lock()
		delete(n.relayWaiters, sessionID)
		n.relayMu.Unlock()
	}()

	msg := relayRequestMessage{SessionID: sessionID, Initiator: n.id.PeerID(), Target: target}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.sendPacketTo(relayAddr, nil, "mesh-relay-request", payload); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(n.cfg.ConnectionTimeout):
		return fmt.Errorf("node: relay session %s not accepted in time", sessionID)
	}
}

func equalPeer(a, b []byte) bool {
	return hex.EncodeToString(a) == hex.EncodeToString(b)
}

// Ping implements the peerId liveness probe of spec.md's public API: a
// signed mesh-ping round trip, returning the round-trip time, the
// responder's observation of our own address, and (unless lightweight)
// a small sample of peers it knows about.
func (n *Node) Ping(ctx context.Context, peerID []byte, lightweight bool) (PingResult, error) {
	addr, err := n.bestKnownAddr(peerID)
	if err != nil {
		return PingResult{}, fmt.Errorf("node: no known endpoint for %s: %w", shortHex(peerID), err)
	}
	nonce, err := n.sendPingTo(addr, peerID, lightweight)
	if err != nil {
		return PingResult{}, err
	}

	n.pingMu.Lock()
	ch := make(chan pingMessage, 1)
	n.pingWaiters[nonce] = ch
	n.pingMu.Unlock()
	defer func() {
		n.pingMu.Lock()
		delete(n.pingWaiters, nonce)
		n.pingMu.Unlock()
	}()

	start := time.Now()
	select {
	case reply := <-ch:
		rtt := time.Since(start)
		n.peers.MarkSendSuccess(peerID, addr, rtt)
		return PingResult{RTT: rtt, YourObservedEndpoint: reply.ObservedAddr, LearnedPeers: reply.LearnedPeers}, nil
	case <-ctx.Done():
		return PingResult{}, ctx.Err()
	case <-time.After(n.cfg.ConnectionTimeout):
		n.peers.MarkSendFailure(peerID, addr)
		return PingResult{}, fmt.Errorf("node: ping to %s timed out", shortHex(peerID))
	}
}

// sendPingTo sends a fresh-nonce ping to addr and returns the nonce to
// correlate the reply by. toPeerID may be nil (e.g. probing an
// unauthenticated bootstrap candidate before we know its peerId).
func (n *Node) sendPingTo(addr *net.UDPAddr, toPeerID []byte, lightweight bool) (string, error) {
	nonce := hex.EncodeToString(newMessageID())
	msg := pingMessage{Nonce: nonce, Lightweight: lightweight}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := n.sendPacketTo(addr, toPeerID, "mesh-ping", payload); err != nil {
		return "", err
	}
	return nonce, nil
}

// PingResult is the node package's internal form of spec.md's
// ping(peerId, {lightweight}) -> {rtt, yourObservedEndpoint, learnedPeers}.
type PingResult struct {
	RTT                  time.Duration
	YourObservedEndpoint string
	LearnedPeers         []string
}
