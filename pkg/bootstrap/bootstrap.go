// Package bootstrap implements supplemental peer discovery over the
// BitTorrent Mainline DHT: a node announces itself under an infohash
// derived from its network key and periodically looks up other
// announcers. Every address this package surfaces is unauthenticated —
// it is a candidate worth pinging, never a peer record by itself.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
)

const (
	AnnounceInterval    = 15 * time.Minute
	QueryInterval       = 30 * time.Second
	QueryIntervalStable = 60 * time.Second
	PersistInterval     = 2 * time.Minute
	BootstrapWaitRounds = 10
	RotationWindow      = time.Hour
	ContactDedupWindow  = 60 * time.Second
)

// WellKnownBootstrapNodes are public Mainline DHT routers used to join the
// network when no nodes file is cached yet.
var WellKnownBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// Infohash derives the current 20-byte BitTorrent infohash a network
// announces itself under, plus the previous rotation window's infohash so
// nodes mid-transition still find each other.
func Infohash(networkKey [32]byte, now time.Time) (current, previous [20]byte) {
	return infohashAt(networkKey, now), infohashAt(networkKey, now.Add(-RotationWindow))
}

func infohashAt(networkKey [32]byte, t time.Time) [20]byte {
	bucket := t.UTC().Truncate(RotationWindow).Unix()
	h := sha256.New()
	h.Write(networkKey[:])
	h.Write([]byte("omertamesh-dht-v1"))
	h.Write([]byte(fmt.Sprintf("%d", bucket)))
	sum := h.Sum(nil)
	var out [20]byte
	copy(out[:], sum[:20])
	return out
}

// OnCandidate is invoked with every address the DHT surfaces. It carries
// no peer identity — the caller must authenticate it (typically a ping)
// before trusting it as an endpoint.
type OnCandidate func(addr *net.UDPAddr)

// Config bundles what a Discovery instance needs.
type Config struct {
	NetworkKey    [32]byte
	LocalPort     int // the port we advertise ourselves as listening on
	StateFilePath string
	OnCandidate   OnCandidate
}

// Discovery owns one Mainline DHT server and the announce/query loops
// built on top of it.
type Discovery struct {
	cfg Config

	mu      sync.Mutex
	server  *dht.Server
	conn    net.PacketConn
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	contactedMu sync.Mutex
	contacted   map[string]time.Time
}

func New(cfg Config) *Discovery {
	return &Discovery{
		cfg:       cfg,
		contacted: make(map[string]time.Time),
	}
}

// Start binds a UDP socket, bootstraps the DHT routing table, and begins
// the announce and query loops. Start is a no-op if already running.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("bootstrap: bind DHT socket: %w", err)
	}

	var bootstrapAddrs []dht.Addr
	for _, node := range WellKnownBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			log.Printf("[Bootstrap] failed to resolve %s: %v", node, err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return fmt.Errorf("bootstrap: no DHT bootstrap nodes resolved")
	}

	serverCfg := dht.NewDefaultServerConfig()
	serverCfg.Conn = conn
	serverCfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(serverCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bootstrap: create DHT server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.server = server
	d.conn = conn
	d.ctx = ctx
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.loadPersistedNodes()
	d.waitForBootstrap()

	d.wg.Add(3)
	go d.announceLoop()
	go d.queryLoop()
	go d.persistLoop()
	return nil
}

// Stop ends every loop and tears down the DHT socket.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	server := d.server
	conn := d.conn
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if server != nil {
		d.persistNodes()
		server.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (d *Discovery) waitForBootstrap() {
	for i := 0; i < BootstrapWaitRounds; i++ {
		time.Sleep(time.Second)
		if d.server.NumNodes() > 0 {
			log.Printf("[Bootstrap] DHT routing table has %d node(s)", d.server.NumNodes())
			return
		}
	}
	log.Printf("[Bootstrap] DHT bootstrap timed out, continuing with %d node(s)", d.server.NumNodes())
}

func (d *Discovery) loadPersistedNodes() {
	if d.cfg.StateFilePath == "" {
		return
	}
	added, err := d.server.AddNodesFromFile(d.cfg.StateFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Bootstrap] failed to load persisted nodes: %v", err)
		}
		return
	}
	if added > 0 {
		log.Printf("[Bootstrap] loaded %d persisted DHT node(s)", added)
	}
}

func (d *Discovery) persistNodes() {
	if d.cfg.StateFilePath == "" {
		return
	}
	nodes := d.server.Nodes()
	if len(nodes) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.StateFilePath), 0o700); err != nil {
		log.Printf("[Bootstrap] failed to create state directory: %v", err)
		return
	}
	if err := dht.WriteNodesToFile(nodes, d.cfg.StateFilePath); err != nil {
		log.Printf("[Bootstrap] failed to persist DHT nodes: %v", err)
	}
}

func (d *Discovery) persistLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.persistNodes()
		}
	}
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()
	d.announce()
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *Discovery) announce() {
	current, previous := Infohash(d.cfg.NetworkKey, time.Now())
	d.announceToInfohash(current)
	if current != previous {
		d.announceToInfohash(previous)
	}
}

func (d *Discovery) announceToInfohash(infohash [20]byte) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	a, err := d.server.Announce(infohash, d.cfg.LocalPort, false)
	if err != nil {
		log.Printf("[Bootstrap] announce failed: %v", err)
		return
	}
	defer a.Close()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-a.Peers:
			if !ok {
				log.Printf("[Bootstrap] announced to %d node(s)", n)
				return
			}
			n++
		}
	}
}

func (d *Discovery) queryLoop() {
	defer d.wg.Done()
	d.queryPeers()

	interval := QueryInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.queryPeers()
		}
	}
}

func (d *Discovery) queryPeers() {
	current, previous := Infohash(d.cfg.NetworkKey, time.Now())
	d.queryInfohash(current)
	if current != previous {
		d.queryInfohash(previous)
	}
}

func (d *Discovery) queryInfohash(infohash [20]byte) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	peers, err := d.server.Announce(infohash, 0, false)
	if err != nil {
		log.Printf("[Bootstrap] query failed: %v", err)
		return
	}
	defer peers.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case addrs, ok := <-peers.Peers:
			if !ok {
				return
			}
			for _, a := range addrs.Peers {
				d.surface(a)
			}
		}
	}
}

func (d *Discovery) surface(addr krpc.NodeAddr) {
	udpAddr := &net.UDPAddr{IP: addr.IP, Port: addr.Port}
	if !d.markContacted(udpAddr.String()) {
		return
	}
	if d.cfg.OnCandidate != nil {
		d.cfg.OnCandidate(udpAddr)
	}
}

func (d *Discovery) markContacted(addr string) bool {
	d.contactedMu.Lock()
	defer d.contactedMu.Unlock()
	if last, ok := d.contacted[addr]; ok && time.Since(last) < ContactDedupWindow {
		return false
	}
	d.contacted[addr] = time.Now()
	return true
}

// NumNodes reports how many nodes are in the local DHT routing table, for
// status reporting.
func (d *Discovery) NumNodes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return 0
	}
	return d.server.NumNodes()
}
