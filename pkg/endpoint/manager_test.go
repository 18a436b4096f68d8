package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

type fakeDirectory struct {
	answer       *DirectoryAnswer
	answerOK     bool
	relays       []RelayCandidate
	coordinator  []byte
	coordinateOK bool
}

func (d *fakeDirectory) WhoHasRecent(target []byte, maxAge time.Duration) (*DirectoryAnswer, bool) {
	return d.answer, d.answerOK
}

func (d *fakeDirectory) RelayCandidates() []RelayCandidate {
	return d.relays
}

func (d *fakeDirectory) CoordinatorFor(a, b []byte) ([]byte, bool) {
	return d.coordinator, d.coordinateOK
}

func mustResolve(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestCandidatePathsPrefersRecentDirectEndpoint(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustResolve(t, "10.0.0.1:9000"), peerstore.SourceBootstrap)

	mgr := New(peers, &fakeDirectory{}, Config{RecentContactMaxAge: time.Minute})
	paths, err := mgr.CandidatePaths(target)
	require.NoError(t, err)
	require.Equal(t, KindDirect, paths[0].Kind)
	require.True(t, paths[0].Verified)
}

func TestCandidatePathsFallsBackToDirectoryThenRelay(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("unknown-peer")

	dir := &fakeDirectory{
		answer:   &DirectoryAnswer{Endpoint: mustResolve(t, "10.0.0.2:9000")},
		answerOK: true,
		relays: []RelayCandidate{
			{PeerID: []byte("relay-a"), RTT: 50 * time.Millisecond},
			{PeerID: []byte("relay-b"), RTT: 10 * time.Millisecond},
		},
	}
	mgr := New(peers, dir, Config{RecentContactMaxAge: time.Minute})
	paths, err := mgr.CandidatePaths(target)
	require.NoError(t, err)
	require.Equal(t, KindDirect, paths[0].Kind)
	require.False(t, paths[0].Verified)

	last := paths[len(paths)-1]
	require.Equal(t, KindRelay, last.Kind)
	require.Equal(t, []byte("relay-b"), last.RelayPeer) // lowest RTT wins
}

func TestCandidatePathsForceRelayOnlySkipsDirectAndHolePunch(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustResolve(t, "10.0.0.1:9000"), peerstore.SourceBootstrap)

	dir := &fakeDirectory{
		relays: []RelayCandidate{{PeerID: []byte("relay-a"), RTT: time.Millisecond}},
	}
	mgr := New(peers, dir, Config{RecentContactMaxAge: time.Minute, ForceRelayOnly: true})
	paths, err := mgr.CandidatePaths(target)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, KindRelay, paths[0].Kind)
}

func TestCandidatePathsBothSymmetricSkipsHolePunch(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("symmetric-peer")
	peers.UpsertFromAuthenticated(target, mustResolve(t, "10.0.0.1:9000"), peerstore.SourceBootstrap)
	peers.SetNATType(target, peerstore.NATSymmetric)

	dir := &fakeDirectory{
		coordinator:  []byte("coord"),
		coordinateOK: true,
		relays:       []RelayCandidate{{PeerID: []byte("relay-a"), RTT: time.Millisecond}},
	}
	mgr := New(peers, dir, Config{RecentContactMaxAge: 0}) // 0 takes the package default window, so the cached endpoint still counts as "recent"
	mgr.SetSelfNATType(peerstore.NATSymmetric)

	paths, err := mgr.CandidatePaths(target)
	require.NoError(t, err)
	for _, p := range paths {
		require.NotEqual(t, KindHolePunchThen, p.Kind)
	}
}

func TestCandidatePathsNoneAvailable(t *testing.T) {
	peers := peerstore.New(10, nil)
	mgr := New(peers, &fakeDirectory{}, Config{})
	_, err := mgr.CandidatePaths([]byte("nobody"))
	require.ErrorIs(t, err, ErrNoPathsAvailable)
}

func TestHolePunchCooldownSuppressesFurtherAttempts(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("cooldown-peer")

	dir := &fakeDirectory{coordinator: []byte("coord"), coordinateOK: true}
	mgr := New(peers, dir, Config{HolePunchCooldown: time.Hour})
	mgr.NoteHolePunchFailure(target)

	paths, err := mgr.CandidatePaths(target)
	require.ErrorIs(t, err, ErrNoPathsAvailable)
	require.Empty(t, paths)
}
