package wireformat

import (
	"testing"
	"time"

	"github.com/omertamesh/omertamesh/pkg/identity"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) [identity.NetworkKeySize]byte {
	var k [identity.NetworkKeySize]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func buildSignedHeader(t *testing.T, id *identity.Identity, networkID string, plaintext []byte) Header {
	t.Helper()
	h := Header{
		FromPeerID:      id.PeerID(),
		Channel:         "app",
		HopCount:        0,
		TimestampMs:     time.Now().UnixMilli(),
		MessageID:       []byte("msg-0001"),
		SenderPublicKey: id.PeerID(),
	}
	h.Signature = id.Sign(SigningInput(networkID, h, plaintext))
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := testKey(0x11)
	networkID := identity.NetworkID(key)
	id, err := identity.Generate()
	require.NoError(t, err)

	plaintext := []byte("hello mesh")
	h := buildSignedHeader(t, id, networkID, plaintext)

	raw, err := Encode(key, h, plaintext)
	require.NoError(t, err)

	pkt, err := DecodeHeader(key, raw)
	require.NoError(t, err)
	require.Equal(t, h.FromPeerID, pkt.Header.FromPeerID)
	require.Equal(t, h.Channel, pkt.Header.Channel)
	require.Equal(t, h.MessageID, pkt.Header.MessageID)

	decrypted, err := pkt.DecodePayload(key)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	require.True(t, VerifySignature(networkID, pkt.Header, decrypted))
}

func TestWrongKeyNeverAuthenticates(t *testing.T) {
	keyA := testKey(0x22)
	keyB := testKey(0x33)
	networkID := identity.NetworkID(keyA)
	id, err := identity.Generate()
	require.NoError(t, err)

	plaintext := []byte("secret")
	h := buildSignedHeader(t, id, networkID, plaintext)

	raw, err := Encode(keyA, h, plaintext)
	require.NoError(t, err)

	_, err = DecodeHeader(keyB, raw)
	require.ErrorIs(t, err, ErrHeaderAuthFail)
}

func TestBadMagicAndVersionRejectBeforeDecrypt(t *testing.T) {
	key := testKey(0x44)
	id, err := identity.Generate()
	require.NoError(t, err)
	networkID := identity.NetworkID(key)
	plaintext := []byte("x")
	h := buildSignedHeader(t, id, networkID, plaintext)
	raw, err := Encode(key, h, plaintext)
	require.NoError(t, err)

	corruptMagic := append([]byte(nil), raw...)
	corruptMagic[0] ^= 0xFF
	_, err = DecodeHeader(key, corruptMagic)
	require.ErrorIs(t, err, ErrBadMagic)

	corruptVersion := append([]byte(nil), raw...)
	corruptVersion[4] = 0x09
	_, err = DecodeHeader(key, corruptVersion)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestTamperedPayloadFailsAuth(t *testing.T) {
	key := testKey(0x55)
	id, err := identity.Generate()
	require.NoError(t, err)
	networkID := identity.NetworkID(key)
	plaintext := []byte("payload")
	h := buildSignedHeader(t, id, networkID, plaintext)
	raw, err := Encode(key, h, plaintext)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0x01

	pkt, err := DecodeHeader(key, raw)
	require.NoError(t, err) // header untouched
	_, err = pkt.DecodePayload(key)
	require.ErrorIs(t, err, ErrPayloadAuthFail)
}

func TestSignatureRejectsTamperedPlaintext(t *testing.T) {
	key := testKey(0x66)
	id, err := identity.Generate()
	require.NoError(t, err)
	networkID := identity.NetworkID(key)
	plaintext := []byte("original")
	h := buildSignedHeader(t, id, networkID, plaintext)

	require.True(t, VerifySignature(networkID, h, plaintext))
	require.False(t, VerifySignature(networkID, h, []byte("tampered")))
}

func TestValidChannelNameBoundaries(t *testing.T) {
	ok64 := make([]byte, 64)
	for i := range ok64 {
		ok64[i] = 'a'
	}
	require.True(t, ValidChannelName(string(ok64)))

	bad65 := append(ok64, 'a')
	require.False(t, ValidChannelName(string(bad65)))

	require.False(t, ValidChannelName("bad channel!"))
	require.True(t, ValidChannelName("app-channel_1"))
}

func TestEncodeOverwritesCallerNetworkHash(t *testing.T) {
	key := testKey(0x77)
	id, err := identity.Generate()
	require.NoError(t, err)
	networkID := identity.NetworkID(key)
	plaintext := []byte("x")
	h := buildSignedHeader(t, id, networkID, plaintext)
	// force a header that will decrypt with key but report a bogus hash: not
	// reachable through Encode (it always stamps the correct hash), so this
	// exercises that Encode always self-corrects NetworkHash regardless of
	// what the caller passed in.
	h.NetworkHash = [identity.NetworkHashSize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	raw, err := Encode(key, h, plaintext)
	require.NoError(t, err)
	pkt, err := DecodeHeader(key, raw)
	require.NoError(t, err)
	require.Equal(t, identity.NetworkHash(key), pkt.Header.NetworkHash)
}
