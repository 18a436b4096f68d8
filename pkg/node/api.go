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
	"github.com/omertamesh/omertamesh/pkg/config"
	"github.com/omertamesh/omertamesh/pkg/dispatch"
	"github.com/omertamesh/omertamesh/pkg/events"
	"github.com/omertamesh/omertamesh/pkg/identity"
	"github.com/omertamesh/omertamesh/pkg/store"
)

// OnChannel binds handler to name, mirroring spec.md's onChannel(name, handler).
func (n *Node) OnChannel(name string, handler channel.Handler) error {
	return n.channels.OnChannel(name, handler)
}

// OffChannel unbinds whatever handler was previously registered for name.
func (n *Node) OffChannel(name string) {
	n.channels.OffChannel(name)
}

// Send implements spec.md's send(payload, toPeerId, channel, deadline):
// walk the escalation ladder (direct, then hole-punch, then relay) until a
// path succeeds, every candidate path has failed once, or deadline runs out.
func (n *Node) Send(ctx context.Context, payload, toPeerID []byte, channelName string, deadline time.Duration) error {
	sendCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	err := n.sender.Send(sendCtx, toPeerID, payload, channelName)
	if err != nil {
		n.eventsPub.ErrEvent(events.MessageSendFailed, toPeerID, err)
	}
	return err
}

// KnownPeers returns every peer id this node currently has any record of.
func (n *Node) KnownPeers() [][]byte {
	recs := n.peers.AllPeers()
	out := make([][]byte, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.PeerID)
	}
	return out
}

// PeerSummary is the detailed per-peer view returned by KnownPeersWithInfo,
// mirroring spec.md's knownPeersWithInfo().
type PeerSummary struct {
	PeerID      []byte
	Endpoints   []string
	NATType     string
	Reliability int64
	LastContact time.Time
}

func (n *Node) KnownPeersWithInfo() []PeerSummary {
	recs := n.peers.AllPeers()
	out := make([]PeerSummary, 0, len(recs))
	for _, r := range recs {
		eps := make([]string, 0, len(r.Endpoints))
		for _, e := range r.Endpoints {
			if e.Addr != nil {
				eps = append(eps, e.Addr.String())
			}
		}
		out = append(out, PeerSummary{
			PeerID:      r.PeerID,
			Endpoints:   eps,
			NATType:     string(r.NATType),
			Reliability: r.Reliability,
			LastContact: r.LastContact,
		})
	}
	return out
}

// Events implements spec.md's events() stream.
func (n *Node) Events() <-chan events.Event {
	return n.eventsPub.Subscribe()
}

// UnsubscribeEvents releases a channel obtained from Events.
func (n *Node) UnsubscribeEvents(ch <-chan events.Event) {
	n.eventsPub.Unsubscribe(ch)
}

// NegotiateCloister drives the initiator side of a fresh network-key
// negotiation with peerID, then seals and ships the resulting key as an
// invite under networkName so the two nodes end up agreeing on both the
// key and a human name for it in one flow.
func (n *Node) NegotiateCloister(ctx context.Context, peerID []byte, networkName string) (CloisterOutcome, error) {
	addr, err := n.bestKnownAddr(peerID)
	if err != nil {
		return CloisterOutcome{}, fmt.Errorf("node: no known endpoint for %s: %w", shortHex(peerID), err)
	}

	requestID, ephemeralPub, err := n.cloisterMgr.BeginNetworkKeyNegotiation(peerID)
	if err != nil {
		return CloisterOutcome{}, err
	}
	resp, err := n.waitCloister(ctx, addr, peerID, requestID, cloisterMessage{
		Type:         cloisterTypeNetworkKeyOffer,
		RequestID:    requestID,
		EphemeralPub: ephemeralPub[:],
	})
	if err != nil {
		return CloisterOutcome{}, err
	}
	var responderPub [32]byte
	copy(responderPub[:], resp.EphemeralPub)
	newKey, err := n.cloisterMgr.CompleteNetworkKeyNegotiation(requestID, peerID, responderPub, resp.SealedConfirm)
	if err != nil {
		return CloisterOutcome{}, err
	}

	networkID := identity.NetworkID(newKey)
	if err := n.ShareInvite(ctx, peerID, newKey, networkID, networkName); err != nil {
		return CloisterOutcome{}, fmt.Errorf("node: negotiated key but failed to share invite: %w", err)
	}
	return CloisterOutcome{NetworkKey: newKey, NetworkID: networkID, SharedWith: hex.EncodeToString(peerID)}, nil
}

// CloisterOutcome is the result of a successful NegotiateCloister call.
type CloisterOutcome struct {
	NetworkKey [identity.NetworkKeySize]byte
	NetworkID  string
	SharedWith string
}

// ShareInvite seals networkKey as an invite payload under a fresh
// ephemeral exchange with peerID and ships it, implementing spec.md's
// shareInvite(networkKey, peerId).
func (n *Node) ShareInvite(ctx context.Context, peerID []byte, networkKey [identity.NetworkKeySize]byte, networkID, networkName string) error {
	addr, err := n.bestKnownAddr(peerID)
	if err != nil {
		return fmt.Errorf("node: no known endpoint for %s: %w", shortHex(peerID), err)
	}

	requestID, ephemeralPub, err := n.cloisterMgr.BeginInviteKeyExchange(peerID)
	if err != nil {
		return err
	}
	resp, err := n.waitCloister(ctx, addr, peerID, requestID, cloisterMessage{
		Type:         cloisterTypeInviteOffer,
		RequestID:    requestID,
		EphemeralPub: ephemeralPub[:],
	})
	if err != nil {
		return err
	}
	var responderPub [32]byte
	copy(responderPub[:], resp.EphemeralPub)
	if err := n.cloisterMgr.CompleteInviteKeyExchange(requestID, peerID, responderPub); err != nil {
		return err
	}

	sealed, err := n.cloisterMgr.SealInvitePayload(requestID, networkKey, networkName)
	if err != nil {
		return err
	}
	out := cloisterMessage{Type: cloisterTypeInvitePayload, RequestID: requestID, Sealed: sealed, NetworkName: networkName}
	if err := n.sendCloister(addr, peerID, out); err != nil {
		return err
	}
	n.cloisterMgr.FinalizeInvite(requestID)
	return nil
}

// sendCloister ships one cloisterMessage step over the correct reserved
// channel for its Type.
func (n *Node) sendCloister(addr *net.UDPAddr, to []byte, msg cloisterMessage) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	channelName := "cloister-negotiate"
	if msg.Type == cloisterTypeInviteOffer || msg.Type == cloisterTypeInvitePayload {
		channelName = "invite-exchange"
	}
	return n.sendPacketTo(addr, to, channelName, out)
}

// waitCloister sends outgoing to peerID and blocks until handleCloister
// wakes the waiter it registers under requestID with the matching
// response step, or ctx/the connection timeout expires.
func (n *Node) waitCloister(ctx context.Context, addr *net.UDPAddr, peerID []byte, requestID string, outgoing cloisterMessage) (cloisterMessage, error) {
	ch := make(chan cloisterMessage, 1)
	n.cloisterMu.Lock()
	n.cloisterWaiters[requestID] = ch
	n.cloisterMu.Unlock()
	defer func() {
		n.cloisterMu.Lock()
		delete(n.cloisterWaiters, requestID)
		n.cloisterMu.Unlock()
	}()

	if err := n.sendCloister(addr, peerID, outgoing); err != nil {
		return cloisterMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return cloisterMessage{}, ctx.Err()
	case <-time.After(n.cfg.ConnectionTimeout):
		return cloisterMessage{}, fmt.Errorf("node: cloister exchange %s timed out", requestID)
	}
}

// JoinNetwork implements spec.md's joinNetwork(key | inviteLink): parse
// the caller-supplied string the same way a fresh Config would, then
// switch this node onto it.
func (n *Node) JoinNetwork(keyOrInvite string) (string, error) {
	key, err := config.ParseNetworkKeyString(keyOrInvite)
	if err != nil {
		return "", fmt.Errorf("node: parse network key: %w", err)
	}
	networkID := identity.NetworkID(key)
	if err := n.switchNetwork(key, networkID); err != nil {
		return "", err
	}
	return networkID, nil
}

// LeaveNetwork implements spec.md's leaveNetwork(id): refuse to act on a
// stale caller's idea of the active network, then fall back to a freshly
// generated, unjoined network key so the node keeps running standalone.
func (n *Node) LeaveNetwork(networkID string) error {
	if n.currentNetworkID() != networkID {
		return fmt.Errorf("node: not a member of network %s", networkID)
	}
	var key [identity.NetworkKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("node: generate replacement network key: %w", err)
	}
	newID := identity.NetworkID(key)
	if err := n.switchNetwork(key, newID); err != nil {
		return err
	}
	n.eventsPub.Note(events.NetworkLeft, "left network "+networkID)
	return nil
}

// switchNetwork rebuilds the dispatcher and persisted-state store for a
// new network key/id while keeping the socket, identity and peerstore
// alive, since only one network is ever active at a time.
func (n *Node) switchNetwork(key [identity.NetworkKeySize]byte, networkID string) error {
	n.netMu.Lock()
	oldDispatcher := n.dispatcher
	n.networkKey = key
	n.networkID = networkID
	n.cfg.NetworkID = networkID
	n.dispatcher = n.newDispatcher()
	statePath := n.cfg.StatePath()
	n.netMu.Unlock()

	if oldDispatcher != nil {
		oldDispatcher.Close()
	}

	if n.persist != nil {
		n.persist.Close()
	}
	n.persist = store.New(store.Config{Path: statePath, NetworkID: networkID})

	n.eventsPub.Note(events.NetworkJoined, "now on network "+networkID)
	return nil
}

var (
	_ dispatch.Sender    = (*Node)(nil)
	_ channel.PathSender = (*Node)(nil)
)
