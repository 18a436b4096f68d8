package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestRequestRefusesUnreachableTarget(t *testing.T) {
	peers := peerstore.New(10, nil)
	srv := NewServer(peers, 4)

	err := srv.Request("sess-1", []byte("initiator"), []byte("target"))
	require.ErrorIs(t, err, ErrTargetUnreachable)
}

func TestRequestAcceptsAndForwardsBothDirections(t *testing.T) {
	peers := peerstore.New(10, nil)
	initiator := []byte("initiator-peer")
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)
	peers.UpsertFromAuthenticated(initiator, mustAddr(t, "10.0.0.1:9000"), peerstore.SourceBootstrap)

	srv := NewServer(peers, 4)
	require.NoError(t, srv.Request("sess-1", initiator, target))

	addr, err := srv.Forward("sess-1", initiator, []byte("opaque-bytes"))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9000", addr.String())

	addr, err = srv.Forward("sess-1", target, []byte("reply-bytes"))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9000", addr.String())

	stats, ok := srv.Stats("sess-1")
	require.True(t, ok)
	require.EqualValues(t, len("opaque-bytes")+len("reply-bytes"), stats.BytesForwarded)
}

func TestForwardRejectsNonParty(t *testing.T) {
	peers := peerstore.New(10, nil)
	initiator := []byte("initiator-peer")
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)

	srv := NewServer(peers, 4)
	require.NoError(t, srv.Request("sess-1", initiator, target))

	_, err := srv.Forward("sess-1", []byte("stranger"), []byte("x"))
	require.ErrorIs(t, err, ErrNotAParty)
}

func TestServerAtCapacity(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)

	srv := NewServer(peers, 1)
	require.NoError(t, srv.Request("sess-1", []byte("a"), target))
	err := srv.Request("sess-2", []byte("b"), target)
	require.ErrorIs(t, err, ErrAtCapacity)
}

func TestSweepIdleEvictsStaleSessions(t *testing.T) {
	peers := peerstore.New(10, nil)
	target := []byte("target-peer")
	peers.UpsertFromAuthenticated(target, mustAddr(t, "10.0.0.2:9000"), peerstore.SourceBootstrap)

	srv := NewServer(peers, 4)
	require.NoError(t, srv.Request("sess-1", []byte("a"), target))

	srv.mu.Lock()
	srv.sessions["sess-1"].LastActive = time.Now().Add(-time.Hour)
	srv.mu.Unlock()

	evicted := srv.SweepIdle(time.Now(), time.Minute)
	require.Equal(t, []string{"sess-1"}, evicted)
	require.Equal(t, 0, srv.Count())
}

func TestClientOpenAndKeepaliveDue(t *testing.T) {
	c := NewClient()
	sess := c.Open([]byte("relay-peer"), []byte("target-peer"))
	require.NotEmpty(t, sess.SessionID)

	due := c.DueForKeepalive(time.Now().Add(time.Hour), time.Minute)
	require.Len(t, due, 1)

	c.NoteKeepaliveSent(sess.SessionID)
	due = c.DueForKeepalive(time.Now(), time.Minute)
	require.Empty(t, due)
}

func TestClientClose(t *testing.T) {
	c := NewClient()
	sess := c.Open([]byte("relay-peer"), []byte("target-peer"))
	c.Close(sess.SessionID)

	due := c.DueForKeepalive(time.Now().Add(time.Hour), time.Minute)
	require.Empty(t, due)
}
