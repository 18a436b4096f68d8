package node

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omertamesh/omertamesh/pkg/config"
	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

// startLoopbackNode brings up a fully running Node bound to 127.0.0.1 with
// an OS-assigned port, the way two independently launched processes would,
// and returns it alongside its bound address.
func startLoopbackNode(t *testing.T, ctx context.Context, networkKeyHex string) (*Node, *net.UDPAddr) {
	t.Helper()
	cfg, err := config.New(config.Options{
		EncryptionKey:    networkKeyHex,
		StorageDirectory: t.TempDir(),
		Port:             0,
	})
	require.NoError(t, err)

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { n.Stop() })

	port := n.conn.LocalAddr().(*net.UDPAddr).Port
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return n, addr
}

// linkDirect seeds a's peerstore with b's address as if a had already
// received an authenticated packet from b, which is what makes the direct
// path eligible in CandidatePaths without first running discovery or a
// hole punch. Grounded the same way pkg/discovery's integration tests seed
// known peers directly rather than driving a full handshake for every case.
func linkDirect(a, b *Node, bAddr *net.UDPAddr) {
	a.peers.UpsertFromAuthenticated(b.id.PeerID(), bAddr, peerstore.SourceBootstrap)
}

// TestTwoNodeLoopbackSendAndReceive covers E2E scenario 1/2: two real nodes
// on loopback, one sends an application payload on a bound channel, the
// other's handler observes it with the correct sender and payload.
func TestTwoNodeLoopbackSendAndReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := strings.Repeat("cd", 32)
	a, _ := startLoopbackNode(t, ctx, key)
	b, bAddr := startLoopbackNode(t, ctx, key)
	linkDirect(a, b, bAddr)

	received := make(chan []byte, 1)
	require.NoError(t, b.OnChannel("greeting", func(from []byte, payload []byte) {
		require.Equal(t, a.id.PeerID(), from)
		received <- payload
	}))

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	require.NoError(t, a.Send(sendCtx, []byte("hello from a"), b.id.PeerID(), "greeting", 2*time.Second))

	select {
	case got := <-received:
		require.Equal(t, "hello from a", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("b never received the message")
	}
}

// TestTwoNodeLoopbackPreservesOrder covers E2E scenario 5: messages sent
// back-to-back on the same channel from the same peer must arrive in the
// order they were sent, which is exactly the guarantee the dispatcher's
// per-(peer,channel) shard routing exists to provide.
func TestTwoNodeLoopbackPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := strings.Repeat("ce", 32)
	a, _ := startLoopbackNode(t, ctx, key)
	b, bAddr := startLoopbackNode(t, ctx, key)
	linkDirect(a, b, bAddr)

	const n = 50
	var mu sync.Mutex
	var got []int
	require.NoError(t, b.OnChannel("ordered", func(from []byte, payload []byte) {
		mu.Lock()
		got = append(got, int(payload[0])<<8|int(payload[1]))
		mu.Unlock()
	}))

	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	for i := 0; i < n; i++ {
		payload := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, a.Send(sendCtx, payload, b.id.PeerID(), "ordered", time.Second))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v, "message %d arrived out of order", i)
	}
}

// TestTwoNodeLoopbackPingRoundTrip covers E2E scenario 6: the keepalive
// ping/pong round trip between two live nodes, exercising the same
// mesh-ping reserved channel the Dispatcher and keepalive loop drive in
// production.
func TestTwoNodeLoopbackPingRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := strings.Repeat("cf", 32)
	a, _ := startLoopbackNode(t, ctx, key)
	b, bAddr := startLoopbackNode(t, ctx, key)
	linkDirect(a, b, bAddr)

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	result, err := a.Ping(pingCtx, b.id.PeerID(), false)
	require.NoError(t, err)
	require.True(t, result.RTT >= 0)
}
