package store

import (
	"net"
	"path/filepath"
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

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Path: filepath.Join(dir, "state.json"), NetworkID: "net1"})

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "net1", st.NetworkID)
	require.Empty(t, st.Peers)
}

func TestScheduleWriteDebouncesThenFlushes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(Config{Path: path, NetworkID: "net1", Debounce: 20 * time.Millisecond})

	s.ScheduleWrite(&PersistedState{NetworkID: "net1", Peers: []PeerRecord{{PeerIDHex: "aa"}}})
	s.ScheduleWrite(&PersistedState{NetworkID: "net1", Peers: []PeerRecord{{PeerIDHex: "bb"}}})

	require.Eventually(t, func() bool {
		st, err := s.Load()
		return err == nil && len(st.Peers) == 1 && st.Peers[0].PeerIDHex == "bb"
	}, time.Second, 5*time.Millisecond)
}

func TestFlushWritesImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(Config{Path: path, NetworkID: "net1", Debounce: time.Hour})

	s.ScheduleWrite(&PersistedState{NetworkID: "net1", Peers: []PeerRecord{{PeerIDHex: "cc"}}})
	s.Flush()

	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.Peers, 1)
	require.Equal(t, "cc", st.Peers[0].PeerIDHex)
}

func TestCloseFlushesAndRejectsFurtherWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(Config{Path: path, NetworkID: "net1", Debounce: time.Hour})

	s.ScheduleWrite(&PersistedState{NetworkID: "net1", Peers: []PeerRecord{{PeerIDHex: "dd"}}})
	s.Close()

	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.Peers, 1)

	s.ScheduleWrite(&PersistedState{NetworkID: "net1", Peers: []PeerRecord{{PeerIDHex: "ee"}}})
	time.Sleep(10 * time.Millisecond)

	st, err = s.Load()
	require.NoError(t, err)
	require.Len(t, st.Peers, 1, "write after Close must be rejected")
}

func TestToPeerRecordsAndBackRoundTrips(t *testing.T) {
	peerID := []byte{0x01, 0x02, 0x03}
	rec := &peerstore.Record{
		PeerID:      peerID,
		NATType:     peerstore.NATFullCone,
		Reliability: 5,
		LastContact: time.Now().Truncate(time.Second),
		Endpoints: []*peerstore.Endpoint{
			{
				Addr:   mustAddr(t, "10.0.0.1:9000"),
				Source: peerstore.SourceBootstrap,
				RTT:    50 * time.Millisecond,
			},
		},
	}

	persisted := ToPeerRecords([]*peerstore.Record{rec})
	require.Len(t, persisted, 1)
	require.Equal(t, "010203", persisted[0].PeerIDHex)

	restored := ToStoreRecords(persisted)
	require.Len(t, restored, 1)
	require.Equal(t, peerID, restored[0].PeerID)
	require.Equal(t, peerstore.NATFullCone, restored[0].NATType)
	require.Len(t, restored[0].Endpoints, 1)
	require.Equal(t, "10.0.0.1:9000", restored[0].Endpoints[0].Addr.String())
	require.Equal(t, 50*time.Millisecond, restored[0].Endpoints[0].RTT)
}

func TestToStoreRecordsSkipsMalformedEntries(t *testing.T) {
	records := []PeerRecord{
		{PeerIDHex: "not-hex!"},
		{PeerIDHex: "aa"},
	}
	restored := ToStoreRecords(records)
	require.Len(t, restored, 1)
}

func TestRestoreIntoPeerStore(t *testing.T) {
	peers := peerstore.New(10, nil)
	rec := &peerstore.Record{PeerID: []byte("peer-x"), Endpoints: []*peerstore.Endpoint{
		{Addr: mustAddr(t, "10.0.0.2:9000"), Source: peerstore.SourceBootstrap},
	}}

	n := peers.Restore([]*peerstore.Record{rec})
	require.Equal(t, 1, n)

	got, ok := peers.Get([]byte("peer-x"))
	require.True(t, ok)
	require.Len(t, got.Endpoints, 1)
}
