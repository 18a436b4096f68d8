package node

import (
	"encoding/hex"
	"time"

	"github.com/omertamesh/omertamesh/pkg/control"
	"github.com/omertamesh/omertamesh/pkg/identity"
)

// controlServerConfig wires every public API method to a pkg/control
// ServerConfig callback, converting between Node's internal types and
// control's backend-agnostic DTOs.
func (n *Node) controlServerConfig() control.ServerConfig {
	return control.ServerConfig{
		SocketPath: control.SocketPath(),
		Version:    Version,

		Send: func(to []byte, channelName string, payload []byte, deadline time.Duration) error {
			return n.Send(n.ctx, payload, to, channelName, deadline)
		},
		Ping: func(peerID []byte, lightweight bool) (control.PingResult, error) {
			res, err := n.Ping(n.ctx, peerID, lightweight)
			if err != nil {
				return control.PingResult{}, err
			}
			return control.PingResult{
				RTTMillis:            res.RTT.Milliseconds(),
				YourObservedEndpoint: res.YourObservedEndpoint,
				LearnedPeers:         res.LearnedPeers,
			}, nil
		},
		KnownPeers: func() []string {
			ids := n.KnownPeers()
			out := make([]string, 0, len(ids))
			for _, id := range ids {
				out = append(out, hex.EncodeToString(id))
			}
			return out
		},
		KnownPeersWithInfo: func() []control.PeerInfo {
			summaries := n.KnownPeersWithInfo()
			out := make([]control.PeerInfo, 0, len(summaries))
			for _, s := range summaries {
				info := control.PeerInfo{
					PeerID:      hex.EncodeToString(s.PeerID),
					Endpoints:   s.Endpoints,
					NATType:     s.NATType,
					Reliability: s.Reliability,
				}
				if !s.LastContact.IsZero() {
					info.LastContact = s.LastContact.Format(time.RFC3339)
				}
				out = append(out, info)
			}
			return out
		},
		NegotiateCloister: func(peerID []byte, networkName string) (control.CloisterResult, error) {
			outcome, err := n.NegotiateCloister(n.ctx, peerID, networkName)
			if err != nil {
				return control.CloisterResult{}, err
			}
			return control.CloisterResult{
				NetworkKeyHex: hex.EncodeToString(outcome.NetworkKey[:]),
				NetworkID:     outcome.NetworkID,
				SharedWith:    outcome.SharedWith,
			}, nil
		},
		ShareInvite: func(networkKey []byte, peerID []byte) error {
			var key [32]byte
			copy(key[:], networkKey)
			return n.ShareInvite(n.ctx, peerID, key, identity.NetworkID(key), "")
		},
		JoinNetwork: func(keyOrInvite string) (control.JoinResult, error) {
			networkID, err := n.JoinNetwork(keyOrInvite)
			if err != nil {
				return control.JoinResult{}, err
			}
			return control.JoinResult{NetworkID: networkID}, nil
		},
		LeaveNetwork: func(networkID string) error {
			return n.LeaveNetwork(networkID)
		},
		Status: func() control.StatusResult {
			return control.StatusResult{
				PeerID:    n.id.PeerIDHex(),
				NetworkID: n.currentNetworkID(),
				UptimeMs:  time.Since(n.startedAt).Milliseconds(),
				Version:   Version,
				PeerCount: n.peers.Count(),
			}
		},
		SubscribeEvents: func() (<-chan control.EventRecord, func()) {
			src := n.eventsPub.Subscribe()
			out := make(chan control.EventRecord, cap(src))
			go func() {
				defer close(out)
				for ev := range src {
					rec := control.EventRecord{Kind: ev.Kind.String(), Detail: ev.Detail}
					if ev.PeerID != nil {
						rec.PeerID = hex.EncodeToString(ev.PeerID)
					}
					if ev.Err != nil {
						rec.Err = ev.Err.Error()
					}
					select {
					case out <- rec:
					default:
					}
				}
			}()
			return out, func() { n.eventsPub.Unsubscribe(src) }
		},
		SubscribeChannel: func(name string) (<-chan control.ChannelMessage, func(), error) {
			ch := make(chan control.ChannelMessage, 32)
			handler := func(from []byte, payload []byte) {
				select {
				case ch <- control.ChannelMessage{FromID: hex.EncodeToString(from), Payload: payload}:
				default:
				}
			}
			if err := n.channels.OnChannel(name, handler); err != nil {
				close(ch)
				return nil, nil, err
			}
			return ch, func() { n.channels.OffChannel(name) }, nil
		},
	}
}
