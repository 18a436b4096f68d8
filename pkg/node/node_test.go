package node

import (
	"encoding/hex"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/config"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.New(config.Options{
		EncryptionKey:    strings.Repeat("ab", 32),
		StorageDirectory: dir,
		Port:             0,
	})
	require.NoError(t, err)
	return cfg
}

func TestNewBuildsEveryComponent(t *testing.T) {
	n, err := New(testConfig(t, t.TempDir()))
	require.NoError(t, err)
	require.NotNil(t, n.peers)
	require.NotNil(t, n.endpoints)
	require.NotNil(t, n.gossipMgr)
	require.NotNil(t, n.keepaliveMgr)
	require.NotNil(t, n.punchCoord)
	require.NotNil(t, n.punchEngine)
	require.NotNil(t, n.relaySrv)
	require.NotNil(t, n.relayClient)
	require.NotNil(t, n.cloisterMgr)
	require.NotNil(t, n.channels)
	require.NotNil(t, n.sender)
	require.NotNil(t, n.dispatcher)
	require.Nil(t, n.bootstrapDisc) // EnableBootstrapDHT defaults to false
}

func TestKnownPeersReflectsPeerstore(t *testing.T) {
	n, err := New(testConfig(t, t.TempDir()))
	require.NoError(t, err)

	peerID := []byte("some-peer-id-bytes")
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.10:4000")
	require.NoError(t, err)
	n.peers.UpsertFromAuthenticated(peerID, addr, peerstore.SourceBootstrap)

	ids := n.KnownPeers()
	require.Len(t, ids, 1)
	require.Equal(t, peerID, ids[0])

	infos := n.KnownPeersWithInfo()
	require.Len(t, infos, 1)
	require.Equal(t, peerID, infos[0].PeerID)
	require.Contains(t, infos[0].Endpoints, addr.String())
}

func TestWrapRecordsObservedEndpointBeforeDelegating(t *testing.T) {
	n, err := New(testConfig(t, t.TempDir()))
	require.NoError(t, err)

	peerID := []byte("observed-peer")
	addr, err := net.ResolveUDPAddr("udp", "198.51.100.7:5000")
	require.NoError(t, err)

	var gotAddr *net.UDPAddr
	handler := n.wrap(func(from []byte, ch string, payload []byte, a *net.UDPAddr) {
		gotAddr = a
	})
	handler(peerID, "mesh-ping", nil, addr)

	require.Equal(t, addr, gotAddr)
	rec, ok := n.peers.Get(peerID)
	require.True(t, ok)
	require.Len(t, rec.Endpoints, 1)
	require.Equal(t, addr.String(), rec.Endpoints[0].Addr.String())
}

func TestShortHexTruncates(t *testing.T) {
	raw, err := hex.DecodeString("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, "01234567", shortHex(raw))
	require.Equal(t, "ab", shortHex([]byte{0xab}))
}

func TestEqualPeerComparesByteSlices(t *testing.T) {
	require.True(t, equalPeer([]byte("peer-a"), []byte("peer-a")))
	require.False(t, equalPeer([]byte("peer-a"), []byte("peer-b")))
}
