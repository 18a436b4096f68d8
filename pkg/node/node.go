// Package node is the composition root: it wires every other package into
// one running mesh participant and exposes spec.md's public API
// (start/stop, onChannel/offChannel, send, ping, knownPeers, events,
// negotiateCloister/shareInvite, joinNetwork/leaveNetwork) to both an
// embedding Go program and, via pkg/control, a separate CLI process.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/omertamesh/omertamesh/pkg/bootstrap"
	"github.com/omertamesh/omertamesh/pkg/channel"
	"github.com/omertamesh/omertamesh/pkg/cloister"
	"github.com/omertamesh/omertamesh/pkg/config"
	"github.com/omertamesh/omertamesh/pkg/control"
	"github.com/omertamesh/omertamesh/pkg/dispatch"
	"github.com/omertamesh/omertamesh/pkg/endpoint"
	"github.com/omertamesh/omertamesh/pkg/events"
	"github.com/omertamesh/omertamesh/pkg/gossip"
	"github.com/omertamesh/omertamesh/pkg/holepunch"
	"github.com/omertamesh/omertamesh/pkg/identity"
	"github.com/omertamesh/omertamesh/pkg/keepalive"
	"github.com/omertamesh/omertamesh/pkg/natprobe"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
	"github.com/omertamesh/omertamesh/pkg/ratelimit"
	"github.com/omertamesh/omertamesh/pkg/relay"
	"github.com/omertamesh/omertamesh/pkg/store"
	"github.com/omertamesh/omertamesh/pkg/telemetry"
)

// Version is the build-reported protocol/daemon version, surfaced through
// status() and the control socket.
const Version = "0.1.0"

// Node owns every live component of one mesh participant: a UDP socket, a
// peer store, the path-selection and channel-send stack, the reserved
// internal channels, and (optionally) the control socket and bootstrap
// DHT. Start/Stop mirror spec.md's start()/stop() exactly.
type Node struct {
	cfg *config.Config
	id  *identity.Identity

	peers        *peerstore.Store
	endpoints    *endpoint.Manager
	gossipMgr    *gossip.Manager
	keepaliveMgr *keepalive.Manager
	punchCoord   *holepunch.Coordinator
	punchEngine  *holepunch.Engine
	relaySrv     *relay.Server
	relayClient  *relay.Client
	cloisterMgr  *cloister.Manager
	channels     *channel.Registry
	sender       *channel.Sender
	eventsPub    *events.Publisher
	persist      *store.Store
	rateLimiter  *ratelimit.IPRateLimiter
	bootstrapDisc *bootstrap.Discovery
	ctl          *control.Server

	conn *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
	telShut   telemetry.Shutdown

	netMu      sync.RWMutex
	dispatcher *dispatch.Dispatcher
	networkKey [identity.NetworkKeySize]byte
	networkID  string

	selfMu   sync.Mutex
	selfAddr *net.UDPAddr

	pingMu      sync.Mutex
	pingWaiters map[string]chan pingMessage // nonce -> reply

	punchMu      sync.Mutex
	punchWaiters map[string]chan *holepunch.PunchSchedule // hex(otherParty) -> schedule

	relayMu      sync.Mutex
	relayWaiters map[string]chan struct{} // sessionId -> accepted signal

	cloisterMu      sync.Mutex
	cloisterWaiters map[string]chan cloisterMessage // requestId -> response
}

// New constructs every component for cfg without binding a socket or
// starting any background work; call Start to go live.
func New(cfg *config.Config) (*Node, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}

	n := &Node{
		cfg:             cfg,
		id:              id,
		networkKey:      cfg.EncryptionKey,
		networkID:       cfg.NetworkID,
		eventsPub:       events.New(events.DefaultQueueSize),
		channels:        channel.NewRegistry(),
		rateLimiter:     ratelimit.NewDefault(),
		pingWaiters:     make(map[string]chan pingMessage),
		punchWaiters:    make(map[string]chan *holepunch.PunchSchedule),
		relayWaiters:    make(map[string]chan struct{}),
		cloisterWaiters: make(map[string]chan cloisterMessage),
	}

	n.persist = store.New(store.Config{
		Path:      cfg.StatePath(),
		NetworkID: cfg.NetworkID,
	})
	n.peers = peerstore.New(cfg.MaxCachedPeers, n.onPeerStoreDirty)

	n.gossipMgr = gossip.New(id, cfg.NetworkID, n.peers, gossip.Config{
		FreshnessQueryInterval: cfg.FreshnessQueryInterval,
	})
	n.endpoints = endpoint.New(n.peers, n.gossipMgr, endpoint.Config{
		RecentContactMaxAge: cfg.RecentContactMaxAge,
		HolePunchCooldown:   cfg.HolePunchCooldown,
		ForceRelayOnly:      cfg.ForceRelayOnly,
	})
	n.keepaliveMgr = keepalive.New(keepalive.Config{
		Interval: cfg.KeepaliveInterval,
	})
	n.punchCoord = holepunch.NewCoordinator(id)
	n.punchEngine = holepunch.NewEngine(holepunch.Config{
		ProbeCount:    cfg.HolePunchProbeCount,
		ProbeInterval: cfg.HolePunchProbeInterval,
		Timeout:       cfg.HolePunchTimeout,
		Cooldown:      cfg.HolePunchCooldown,
	}, n.endpoints)
	n.relaySrv = relay.NewServer(n.peers, cfg.MaxRelaySessions)
	n.relayClient = relay.NewClient()
	n.cloisterMgr = cloister.NewManager()

	n.sender = channel.New(channel.Config{
		Endpoints: n.endpoints,
		Sender:    n,
	})
	n.dispatcher = n.newDispatcher()

	if cfg.EnableBootstrapDHT {
		n.bootstrapDisc = bootstrap.New(bootstrap.Config{
			NetworkKey:    cfg.EncryptionKey,
			LocalPort:     cfg.Port,
			StateFilePath: cfg.DHTNodesPath(),
			OnCandidate:   n.onBootstrapCandidate,
		})
	}

	return n, nil
}

func (n *Node) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		NetworkKey:  n.networkKey,
		NetworkID:   n.networkID,
		SelfPeerID:  n.id.PeerID(),
		RateLimiter: n.rateLimiter,
		Forwarder:   n.relaySrv,
		Sender:      n,
		Handlers: dispatch.Handlers{
			Keepalive:         n.wrap(n.handleKeepalive),
			Gossip:            n.wrap(n.handleGossip),
			DirQuery:          n.wrap(n.handleDirQuery),
			DirResponse:       n.wrap(n.handleDirResponse),
			HolePunchSchedule: n.wrap(n.handleHolePunchSchedule),
			HolePunchProbe:    n.wrap(n.handleHolePunchProbe),
			RelayRequest:      n.wrap(n.handleRelayRequest),
			RelayAccepted:     n.wrap(n.handleRelayAccepted),
			RelayData:         n.wrap(n.handleRelayData),
			Cloister:          n.wrap(n.handleCloister),
			App:               n.wrap(n.deliverApp),
		},
	})
}

// wrap records observed-endpoint learning once for every authenticated
// receive, channel-agnostic, then invokes the real handler.
func (n *Node) wrap(h func(from []byte, channel string, payload []byte, addr *net.UDPAddr)) dispatch.ChannelHandler {
	return func(from []byte, ch string, payload []byte, addr *net.UDPAddr) {
		if addr != nil {
			n.peers.UpsertFromAuthenticated(from, addr, peerstore.SourceObserved)
		}
		h(from, ch, payload, addr)
	}
}

func (n *Node) deliverApp(from []byte, ch string, payload []byte, _ *net.UDPAddr) {
	n.channels.Deliver(from, ch, payload)
}

func (n *Node) onPeerStoreDirty() {
	if n.persist == nil {
		return
	}
	n.persist.ScheduleWrite(&store.PersistedState{
		NetworkID: n.currentNetworkID(),
		Peers:     store.ToPeerRecords(n.peers.AllPeers()),
	})
}

func (n *Node) currentNetworkSnapshot() ([identity.NetworkKeySize]byte, string) {
	n.netMu.RLock()
	defer n.netMu.RUnlock()
	return n.networkKey, n.networkID
}

func (n *Node) currentNetworkID() string {
	n.netMu.RLock()
	defer n.netMu.RUnlock()
	return n.networkID
}

func (n *Node) currentDispatcher() *dispatch.Dispatcher {
	n.netMu.RLock()
	defer n.netMu.RUnlock()
	return n.dispatcher
}

// Start binds the UDP socket, restores persisted peer state, and spawns
// every background loop (receive, keepalive, gossip, maintenance), plus
// bootstrap DHT discovery and the control socket if configured.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startedAt = time.Now()

	shut, err := telemetry.Init(n.ctx, "omertamesh", Version, n.currentNetworkID())
	if err != nil {
		log.Printf("[Node] telemetry init failed, continuing without it: %v", err)
		shut = func(context.Context) {}
	}
	n.telShut = shut

	if st, err := n.persist.Load(); err == nil && st != nil {
		restored := n.peers.Restore(store.ToStoreRecords(st.Peers))
		log.Printf("[Node] restored %d peer records from %s", restored, n.cfg.StatePath())
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: n.cfg.Port})
	if err != nil {
		return fmt.Errorf("node: bind udp socket: %w", err)
	}
	n.conn = conn
	log.Printf("[Node] listening on %s as %s", conn.LocalAddr(), n.id.PeerIDHex())

	n.wg.Add(1)
	go n.receiveLoop()

	if nt, err := n.classifyNAT(); err == nil {
		n.endpoints.SetSelfNATType(nt)
	}

	if n.bootstrapDisc != nil {
		if err := n.bootstrapDisc.Start(); err != nil {
			log.Printf("[Node] bootstrap DHT failed to start, continuing without it: %v", err)
		}
	}

	ctl, err := control.NewServer(n.controlServerConfig())
	if err != nil {
		log.Printf("[Node] control socket unavailable: %v", err)
	} else if err := ctl.Start(); err != nil {
		log.Printf("[Node] control socket failed to start: %v", err)
	} else {
		n.ctl = ctl
	}

	n.wg.Add(1)
	go n.keepaliveLoop()
	n.wg.Add(1)
	go n.gossipLoop()
	n.wg.Add(1)
	go n.maintenanceLoop()

	n.eventsPub.Note(events.Started, "node started as "+n.id.PeerIDHex())
	return nil
}

// Stop cancels every background loop, waits for them to exit, closes the
// control socket and UDP connection, and flushes persisted state.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.bootstrapDisc != nil {
		n.bootstrapDisc.Stop()
	}
	if n.ctl != nil {
		n.ctl.Stop()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if d := n.currentDispatcher(); d != nil {
		d.Close()
	}
	if n.telShut != nil {
		n.telShut(context.Background())
	}
	n.eventsPub.Note(events.Stopped, "node stopped")
	n.eventsPub.Close()
	n.persist.Close()
	return nil
}

func (n *Node) classifyNAT() (peerstore.NATType, error) {
	servers := n.cfg.StunServers
	res, err := natprobe.Classify(n.ctx, servers, 0, 5*time.Second)
	if err != nil {
		return peerstore.NATUnknown, err
	}
	if res.ExternalIP != nil {
		n.setSelfAddr(&net.UDPAddr{IP: res.ExternalIP, Port: res.ExternalPort})
	}
	return res.Type, nil
}

func (n *Node) setSelfAddr(addr *net.UDPAddr) {
	n.selfMu.Lock()
	n.selfAddr = addr
	n.selfMu.Unlock()
	n.endpoints.ObserveSelfEndpoint(addr)
}

func (n *Node) currentSelfAddr() *net.UDPAddr {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()
	return n.selfAddr
}

func (n *Node) onBootstrapCandidate(addr *net.UDPAddr) {
	nonce, err := n.sendPingTo(addr, nil, true)
	if err != nil {
		log.Printf("[Node] ping to bootstrap candidate %s failed: %v", addr, err)
		return
	}
	_ = nonce // the reply, once it arrives, authenticates the candidate via handleKeepalive's Pong path
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
