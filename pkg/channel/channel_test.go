package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/endpoint"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestOnChannelRejectsReservedNames(t *testing.T) {
	r := NewRegistry()
	err := r.OnChannel("mesh-gossip", func([]byte, []byte) {})
	require.ErrorIs(t, err, ErrReservedChannel)

	err = r.OnChannel("cloister-negotiate", func([]byte, []byte) {})
	require.ErrorIs(t, err, ErrReservedChannel)
}

func TestOnChannelRejectsDuplicateAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.OnChannel("chat", func([]byte, []byte) {}))
	require.ErrorIs(t, r.OnChannel("chat", func([]byte, []byte) {}), ErrAlreadyBound)
	require.ErrorIs(t, r.OnChannel("bad channel!", func([]byte, []byte) {}), ErrInvalidChannel)
}

func TestOffChannelThenDeliverIsNoop(t *testing.T) {
	r := NewRegistry()
	var called bool
	require.NoError(t, r.OnChannel("chat", func([]byte, []byte) { called = true }))
	r.OffChannel("chat")

	r.Deliver([]byte("peer"), "chat", []byte("hi"))
	require.False(t, called)
}

func TestDeliverInvokesBoundHandler(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var got []byte
	require.NoError(t, r.OnChannel("chat", func(from, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	}))

	r.Deliver([]byte("peer"), "chat", []byte("hello"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hello", string(got))
}

type noopDirectory struct{}

func (noopDirectory) WhoHasRecent([]byte, time.Duration) (*endpoint.DirectoryAnswer, bool) {
	return nil, false
}
func (noopDirectory) RelayCandidates() []endpoint.RelayCandidate { return nil }
func (noopDirectory) CoordinatorFor(a, b []byte) ([]byte, bool)  { return nil, false }

type recordingSender struct {
	mu       sync.Mutex
	direct   int
	holepun  int
	relay    int
	failKind endpoint.Kind
	failN    int
}

func (s *recordingSender) SendDirect(ctx context.Context, addr *net.UDPAddr, to, payload []byte, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct++
	if s.failKind == endpoint.KindDirect && s.failN > 0 {
		s.failN--
		return errors.New("simulated direct failure")
	}
	return nil
}

func (s *recordingSender) SendViaHolePunch(ctx context.Context, coordinator, to, payload []byte, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holepun++
	if s.failKind == endpoint.KindHolePunchThen && s.failN > 0 {
		s.failN--
		return errors.New("simulated hole-punch failure")
	}
	return nil
}

func (s *recordingSender) SendViaRelay(ctx context.Context, relayPeer, to, payload []byte, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay++
	if s.failKind == endpoint.KindRelay && s.failN > 0 {
		s.failN--
		return errors.New("simulated relay failure")
	}
	return nil
}

func TestSendSucceedsOnFirstDirectPath(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)

	em := endpoint.New(peers, noopDirectory{}, endpoint.Config{})
	snd := &recordingSender{}
	s := New(Config{Endpoints: em, Sender: snd, Min: time.Millisecond, Max: 5 * time.Millisecond})

	err := s.Send(context.Background(), target, []byte("payload"), "chat")
	require.NoError(t, err)
	require.Equal(t, 1, snd.direct)
	require.Equal(t, 0, snd.relay)
}

func TestSendRejectsReservedOrInvalidChannel(t *testing.T) {
	em := endpoint.New(peerstore.New(10, nil), noopDirectory{}, endpoint.Config{})
	s := New(Config{Endpoints: em, Sender: &recordingSender{}})

	err := s.Send(context.Background(), []byte("t"), []byte("p"), "bad channel!")
	require.ErrorIs(t, err, ErrInvalidChannel)

	err = s.Send(context.Background(), []byte("t"), []byte("p"), "mesh-ping")
	require.ErrorIs(t, err, ErrReservedChannel)
}

func TestSendReturnsNoPathsForUnknownPeer(t *testing.T) {
	em := endpoint.New(peerstore.New(10, nil), noopDirectory{}, endpoint.Config{})
	s := New(Config{Endpoints: em, Sender: &recordingSender{}})

	err := s.Send(context.Background(), []byte("ghost"), []byte("p"), "chat")
	require.ErrorIs(t, err, ErrNoPaths)
}

func TestSendEscalatesToRelayAfterDirectFails(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	relayPeer := []byte("relay-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)
	peers.UpsertFromAuthenticated(relayPeer, mustAddr(t, "10.0.0.3:9000"), peerstore.SourceBootstrap)

	em := endpoint.New(peers, relayDirectory{relay: relayPeer}, endpoint.Config{})
	snd := &recordingSender{failKind: endpoint.KindDirect, failN: 1}
	s := New(Config{Endpoints: em, Sender: snd, Min: time.Millisecond, Max: 2 * time.Millisecond})

	err := s.Send(context.Background(), target, []byte("payload"), "chat")
	require.NoError(t, err)
	require.Equal(t, 1, snd.direct)
	require.Equal(t, 1, snd.relay)
}

type relayDirectory struct {
	relay []byte
}

func (relayDirectory) WhoHasRecent([]byte, time.Duration) (*endpoint.DirectoryAnswer, bool) {
	return nil, false
}
func (d relayDirectory) RelayCandidates() []endpoint.RelayCandidate {
	return []endpoint.RelayCandidate{{PeerID: d.relay}}
}
func (relayDirectory) CoordinatorFor(a, b []byte) ([]byte, bool) { return nil, false }

func TestSendExhaustsLadderAndReturnsUnreachable(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	relayPeer := []byte("relay-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)
	peers.UpsertFromAuthenticated(relayPeer, mustAddr(t, "10.0.0.3:9000"), peerstore.SourceBootstrap)

	em := endpoint.New(peers, relayDirectory{relay: relayPeer}, endpoint.Config{})
	s := New(Config{Endpoints: em, Sender: &alwaysFailSender{}, Min: time.Millisecond, Max: 2 * time.Millisecond})

	err := s.Send(context.Background(), target, []byte("payload"), "chat")
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

type alwaysFailSender struct{}

func (alwaysFailSender) SendDirect(ctx context.Context, addr *net.UDPAddr, to, payload []byte, channelName string) error {
	return errors.New("no")
}
func (alwaysFailSender) SendViaHolePunch(ctx context.Context, coordinator, to, payload []byte, channelName string) error {
	return errors.New("no")
}
func (alwaysFailSender) SendViaRelay(ctx context.Context, relayPeer, to, payload []byte, channelName string) error {
	return errors.New("no")
}

func TestSendHonorsContextCancellation(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	relayPeer := []byte("relay-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)
	peers.UpsertFromAuthenticated(relayPeer, mustAddr(t, "10.0.0.3:9000"), peerstore.SourceBootstrap)

	em := endpoint.New(peers, relayDirectory{relay: relayPeer}, endpoint.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{Endpoints: em, Sender: &alwaysFailSender{}, Min: 10 * time.Millisecond, Max: time.Second})
	err := s.Send(ctx, target, []byte("payload"), "chat")
	require.ErrorIs(t, err, context.Canceled)
}
