package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/identity"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	peers := peerstore.New(100, nil)
	return New(id, "test-network", peers, cfg), id
}

func TestAnnouncementSignatureRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ann := m.BuildAnnouncement("fullCone", []EndpointAdvert{{Addr: "1.2.3.4:9000"}}, false, false)
	require.True(t, ann.verify("test-network"))

	ann.NATType = "symmetric" // tamper
	require.False(t, ann.verify("test-network"))
}

func TestHandleAnnouncementRejectsBadSignature(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	other, err := identity.Generate()
	require.NoError(t, err)

	ann := &Announcement{
		PeerID:    other.PeerID(),
		NATType:   "open",
		Timestamp: time.Now(),
	}
	ann.Signature = other.Sign([]byte("wrong input"))

	err = m.HandleAnnouncement(ann)
	require.Error(t, err)
}

func TestHandleAnnouncementDedupes(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	other, err := identity.Generate()
	require.NoError(t, err)

	ann := &Announcement{
		PeerID:    other.PeerID(),
		NATType:   "open",
		Timestamp: time.Now(),
	}
	ann.sign("test-network", other)

	require.NoError(t, m.HandleAnnouncement(ann))
	require.NoError(t, m.HandleAnnouncement(ann))

	flushed := m.Flush(1 << 20)
	require.Len(t, flushed, 1)
}

func TestPriorityBoostsActiveChannelAndRecency(t *testing.T) {
	m, _ := newTestManager(t, Config{RecencyHalfLife: time.Minute})
	m.SetChannelActive("app", true)

	fresh := &Announcement{Channels: []string{"app"}, Timestamp: time.Now()}
	stale := &Announcement{Channels: []string{"other"}, Timestamp: time.Now().Add(-10 * time.Minute)}

	require.Greater(t, m.priority(fresh), m.priority(stale))
}

func TestFlushRespectsByteBudget(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	for i := 0; i < 50; i++ {
		other, err := identity.Generate()
		require.NoError(t, err)
		ann := &Announcement{
			PeerID:    other.PeerID(),
			NATType:   "open",
			Endpoints: []EndpointAdvert{{Addr: "10.0.0.1:9000"}},
			Timestamp: time.Now(),
		}
		ann.sign("test-network", other)
		require.NoError(t, m.HandleAnnouncement(ann))
	}

	flushed := m.Flush(500)
	require.NotEmpty(t, flushed)
	require.Less(t, len(flushed), 50)
}

func TestWhoHasRecentRateLimited(t *testing.T) {
	m, _ := newTestManager(t, Config{FreshnessQueryInterval: time.Hour})
	target := []byte("target")
	requester := []byte("requester")

	_, found := m.HandleWhoHasRecentQuery(target, requester, time.Minute)
	require.False(t, found) // nothing known about target yet, but rate limiter still records the attempt

	_, found2 := m.HandleWhoHasRecentQuery(target, requester, time.Minute)
	require.False(t, found2)
}

func TestCoordinatorForExcludesTheTwoParties(t *testing.T) {
	m, _ := newTestManager(t, Config{RecencyHalfLife: time.Minute})
	a := []byte("party-a")
	b := []byte("party-b")
	third := []byte("party-c")

	m.peers.UpsertFromAuthenticated(third, nil, peerstore.SourceBootstrap)

	coord, ok := m.CoordinatorFor(a, b)
	require.True(t, ok)
	require.Equal(t, third, coord)
}
