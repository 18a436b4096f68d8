package keepalive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddAndSelectCycle(t *testing.T) {
	m := New(Config{MaxPerCycle: 2})
	m.Add([]byte("peer-a"), "machine-1")
	m.Add([]byte("peer-b"), "machine-1")
	m.Add([]byte("peer-c"), "machine-1")

	selected := m.SelectCycle()
	require.LessOrEqual(t, len(selected), 2)
	require.NotEmpty(t, selected)
}

func TestMissedThresholdMarksStale(t *testing.T) {
	m := New(Config{MissedThreshold: 2, ExpiryThreshold: 5})
	peerID := []byte("peer-x")
	m.Add(peerID, "m1")

	require.False(t, m.IsStale(peerID, "m1"))
	m.NotePingResult(peerID, "m1", false)
	require.False(t, m.IsStale(peerID, "m1"))
	m.NotePingResult(peerID, "m1", false)
	require.True(t, m.IsStale(peerID, "m1"))
}

func TestExpiryThresholdRemovesFromEligibleSet(t *testing.T) {
	m := New(Config{MaxPerCycle: 10, MissedThreshold: 1, ExpiryThreshold: 2})
	peerID := []byte("peer-y")
	m.Add(peerID, "m1")

	m.NotePingResult(peerID, "m1", false)
	m.NotePingResult(peerID, "m1", false)

	selected := m.SelectCycle()
	require.Empty(t, selected)
}

func TestReannouncementPromotesBack(t *testing.T) {
	m := New(Config{MaxPerCycle: 10, MissedThreshold: 1, ExpiryThreshold: 2})
	peerID := []byte("peer-z")
	m.Add(peerID, "m1")
	m.NotePingResult(peerID, "m1", false)
	m.NotePingResult(peerID, "m1", false)
	require.Empty(t, m.SelectCycle())

	m.NoteReannouncement(peerID, "m1")
	require.False(t, m.IsStale(peerID, "m1"))
	require.NotEmpty(t, m.SelectCycle())
}

func TestSuccessfulPingResetsMissCount(t *testing.T) {
	m := New(Config{MissedThreshold: 2})
	peerID := []byte("peer-w")
	m.Add(peerID, "m1")
	m.NotePingResult(peerID, "m1", false)
	m.NotePingResult(peerID, "m1", true)
	require.False(t, m.IsStale(peerID, "m1"))
}

func TestRemoveStopsTracking(t *testing.T) {
	m := New(Config{})
	peerID := []byte("peer-v")
	m.Add(peerID, "m1")
	require.Equal(t, 1, m.Count())
	m.Remove(peerID, "m1")
	require.Equal(t, 0, m.Count())
}

func TestSelectCycleRespectsMaxPerCycleOverManyEntries(t *testing.T) {
	m := New(Config{MaxPerCycle: 3})
	for i := 0; i < 20; i++ {
		m.Add([]byte{byte(i)}, "m1")
	}
	selected := m.SelectCycle()
	require.Len(t, selected, 3)
	_ = time.Now()
}
