package peerstore

import (
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestUpsertFromAuthenticatedCreatesAndUpdates(t *testing.T) {
	s := New(10, nil)
	peerID := []byte("peer-one-32-bytes-padding------")

	s.UpsertFromAuthenticated(peerID, mustAddr(t, "1.2.3.4:9000"), SourceBootstrap)
	rec, ok := s.Get(peerID)
	require.True(t, ok)
	require.Len(t, rec.Endpoints, 1)
	require.Equal(t, int64(1), rec.Reliability)

	s.UpsertFromAuthenticated(peerID, mustAddr(t, "1.2.3.4:9000"), SourceBootstrap)
	rec, ok = s.Get(peerID)
	require.True(t, ok)
	require.Len(t, rec.Endpoints, 1)
	require.Equal(t, int64(2), rec.Reliability)
}

func TestGetEndpointsRanksRecentReceiveHighest(t *testing.T) {
	s := New(10, nil)
	peerID := []byte("peer-rank")

	s.UpsertFromAuthenticated(peerID, mustAddr(t, "10.0.0.1:1111"), SourceBootstrap)
	s.NoteObservedEndpoint(peerID, mustAddr(t, "10.0.0.2:2222"), "")

	ranked := s.GetEndpoints(peerID, time.Minute)
	require.Len(t, ranked, 2)
	require.Equal(t, "10.0.0.1:1111", ranked[0].Addr.String())
}

func TestEndpointRankFallsBackWhenStale(t *testing.T) {
	s := New(10, nil)
	peerID := []byte("peer-stale")

	s.UpsertFromAuthenticated(peerID, mustAddr(t, "10.0.0.1:1111"), SourceBootstrap)
	s.NoteObservedEndpoint(peerID, mustAddr(t, "10.0.0.2:2222"), "")

	ranked := s.GetEndpoints(peerID, 0) // nothing counts as "recent"
	require.Len(t, ranked, 2)
	require.Equal(t, "10.0.0.2:2222", ranked[0].Addr.String())
}

func TestLRUEvictsLeastRecentlyContacted(t *testing.T) {
	s := New(2, nil)
	a := []byte("peer-a")
	b := []byte("peer-b")
	c := []byte("peer-c")

	s.UpsertFromAuthenticated(a, mustAddr(t, "1.1.1.1:1"), SourceBootstrap)
	s.UpsertFromAuthenticated(b, mustAddr(t, "2.2.2.2:2"), SourceBootstrap)
	require.Equal(t, 2, s.Count())

	// touch a again so b becomes least-recently-contacted
	s.UpsertFromAuthenticated(a, mustAddr(t, "1.1.1.1:1"), SourceBootstrap)
	s.UpsertFromAuthenticated(c, mustAddr(t, "3.3.3.3:3"), SourceBootstrap)

	require.Equal(t, 2, s.Count())
	_, aOK := s.Get(a)
	_, bOK := s.Get(b)
	_, cOK := s.Get(c)
	require.True(t, aOK)
	require.False(t, bOK)
	require.True(t, cOK)
}

func TestEvictStaleRemovesOldPeers(t *testing.T) {
	s := New(10, nil)
	peerID := []byte("peer-old")
	s.UpsertFromAuthenticated(peerID, mustAddr(t, "1.1.1.1:1"), SourceBootstrap)

	s.mu.Lock()
	s.peers[hex.EncodeToString(peerID)].LastContact = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	removed := s.EvictStale(time.Minute)
	require.Len(t, removed, 1)
	require.Equal(t, 0, s.Count())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := New(10, nil)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	peerID := []byte("peer-sub")
	s.UpsertFromAuthenticated(peerID, mustAddr(t, "1.1.1.1:1"), SourceBootstrap)

	select {
	case ev := <-ch:
		require.Equal(t, PeerEventNew, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("did not receive peer event")
	}
}

func TestRestoreSkipsExistingAndRespectsCap(t *testing.T) {
	s := New(1, nil)
	s.UpsertFromAuthenticated([]byte("already-here"), mustAddr(t, "1.1.1.1:1"), SourceBootstrap)

	n := s.Restore([]*Record{
		{PeerID: []byte("already-here")},
		{PeerID: []byte("new-peer")},
	})
	require.Equal(t, 0, n, "cap of 1 already full, nothing new should fit")
	require.Equal(t, 1, s.Count())
}

func TestRestoreAddsNewPeers(t *testing.T) {
	s := New(10, nil)
	n := s.Restore([]*Record{
		{PeerID: []byte("peer-one"), NATType: NATFullCone, Reliability: 3},
	})
	require.Equal(t, 1, n)

	got, ok := s.Get([]byte("peer-one"))
	require.True(t, ok)
	require.Equal(t, NATFullCone, got.NATType)
	require.EqualValues(t, 3, got.Reliability)
}
