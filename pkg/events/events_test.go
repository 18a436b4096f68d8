package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribePublishDeliversInOrder(t *testing.T) {
	p := New(4)
	ch := p.Subscribe()

	p.Note(Started, "node up")
	p.PeerEvent(PeerDiscovered, []byte("peer-a"))

	ev := <-ch
	require.Equal(t, Started, ev.Kind)
	ev = <-ch
	require.Equal(t, PeerDiscovered, ev.Kind)
	require.Equal(t, []byte("peer-a"), ev.PeerID)
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	p := New(4)
	a := p.Subscribe()
	b := p.Subscribe()

	p.Note(Warning, "disk low")

	select {
	case ev := <-a:
		require.Equal(t, Warning, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never got event")
	}
	select {
	case ev := <-b:
		require.Equal(t, Warning, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never got event")
	}
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	p := New(2)
	ch := p.Subscribe()

	p.Note(Warning, "first")
	p.Note(Warning, "second")
	p.Note(Warning, "third") // queue holds 2; "first" should be dropped

	ev := <-ch
	require.Equal(t, "second", ev.Detail)
	ev = <-ch
	require.Equal(t, "third", ev.Detail)

	select {
	case <-ch:
		t.Fatal("expected no more queued events")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := New(4)
	ch := p.Subscribe()
	p.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	p := New(4)
	a := p.Subscribe()
	b := p.Subscribe()
	p.Close()

	_, ok := <-a
	require.False(t, ok)
	_, ok = <-b
	require.False(t, ok)
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	p := New(4)
	p.Close()
	ch := p.Subscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestErrEventCarriesError(t *testing.T) {
	p := New(4)
	ch := p.Subscribe()
	want := errors.New("send failed")

	p.ErrEvent(MessageSendFailed, []byte("peer-b"), want)

	ev := <-ch
	require.Equal(t, MessageSendFailed, ev.Kind)
	require.Equal(t, want, ev.Err)
}

func TestKindStringNamesEveryCase(t *testing.T) {
	kinds := []Kind{
		Started, Stopped, NatDetected, PeerDiscovered, PeerConnected,
		PeerDisconnected, PeerUnreachable, RelayConnected, RelayDisconnected,
		HolePunchStarted, HolePunchSucceeded, HolePunchFailed,
		MessageSendFailed, NetworkJoined, NetworkLeft, Warning, Error,
	}
	for _, k := range kinds {
		require.NotEqual(t, "Unknown", k.String())
	}
}
