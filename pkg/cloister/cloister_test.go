package cloister

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNetworkKeyNegotiationRoundTrip(t *testing.T) {
	initiator := NewManager()
	responder := NewManager()

	requestID, initiatorPub, err := initiator.BeginNetworkKeyNegotiation(nil)
	require.NoError(t, err)

	responderPub, sealedConfirmation, responderKey, err := responder.RespondToNetworkKeyNegotiation(requestID, nil, initiatorPub)
	require.NoError(t, err)

	initiatorKey, err := initiator.CompleteNetworkKeyNegotiation(requestID, nil, responderPub, sealedConfirmation)
	require.NoError(t, err)

	require.Equal(t, responderKey, initiatorKey)
	require.NotEqual(t, [32]byte{}, initiatorKey)
}

func TestNetworkKeyNegotiationConfirmationMismatch(t *testing.T) {
	initiator := NewManager()
	requestID, _, err := initiator.BeginNetworkKeyNegotiation(nil)
	require.NoError(t, err)

	_, responderPub, err := func() (string, [32]byte, error) {
		priv, pub, err := generateEphemeral()
		if err != nil {
			return "", pub, err
		}
		_ = priv
		return requestID, pub, nil
	}()
	require.NoError(t, err)

	garbage := make([]byte, 40)
	_, err = initiator.CompleteNetworkKeyNegotiation(requestID, nil, responderPub, garbage)
	require.ErrorIs(t, err, ErrConfirmationMismatch)
}

func TestNetworkKeyNegotiationUnknownSession(t *testing.T) {
	initiator := NewManager()
	_, err := initiator.CompleteNetworkKeyNegotiation("does-not-exist", nil, [32]byte{}, nil)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestNetworkKeyNegotiationPeerMismatch(t *testing.T) {
	initiator := NewManager()
	responder := NewManager()

	expectedPeer := []byte("peer-a")
	actualPeer := []byte("peer-b")

	requestID, initiatorPub, err := initiator.BeginNetworkKeyNegotiation(expectedPeer)
	require.NoError(t, err)

	responderPub, sealedConfirmation, _, err := responder.RespondToNetworkKeyNegotiation(requestID, expectedPeer, initiatorPub)
	require.NoError(t, err)

	_, err = initiator.CompleteNetworkKeyNegotiation(requestID, actualPeer, responderPub, sealedConfirmation)
	require.ErrorIs(t, err, ErrPeerMismatch)
}

func TestNetworkKeyNegotiationSessionExpires(t *testing.T) {
	initiator := NewManager()
	requestID, _, err := initiator.BeginNetworkKeyNegotiation(nil)
	require.NoError(t, err)

	initiator.mu.Lock()
	initiator.sessions[requestID].createdAt = time.Now().Add(-2 * SessionTTL)
	initiator.mu.Unlock()

	_, err = initiator.CompleteNetworkKeyNegotiation(requestID, nil, [32]byte{}, nil)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestInviteShareRoundTrip(t *testing.T) {
	sharer := NewManager()
	recipient := NewManager()

	requestID, sharerPub, err := sharer.BeginInviteKeyExchange(nil)
	require.NoError(t, err)

	recipientPub, err := recipient.RespondToInviteKeyExchange(requestID, nil, sharerPub)
	require.NoError(t, err)

	err = sharer.CompleteInviteKeyExchange(requestID, nil, recipientPub)
	require.NoError(t, err)

	var networkKey [32]byte
	for i := range networkKey {
		networkKey[i] = byte(i + 1)
	}

	sealed, err := sharer.SealInvitePayload(requestID, networkKey, "my-network")
	require.NoError(t, err)

	gotKey, gotName, err := recipient.OpenInvitePayload(requestID, sealed)
	require.NoError(t, err)
	require.Equal(t, networkKey, gotKey)
	require.Equal(t, "my-network", gotName)

	sharer.FinalizeInvite(requestID)
	recipient.FinalizeInvite(requestID)
}

func TestOpenInvitePayloadWrongKeyFails(t *testing.T) {
	sharer := NewManager()
	eavesdropper := NewManager()

	requestID, sharerPub, err := sharer.BeginInviteKeyExchange(nil)
	require.NoError(t, err)

	otherRequestID, otherPub, err := eavesdropper.BeginInviteKeyExchange(nil)
	require.NoError(t, err)
	_ = otherRequestID

	err = sharer.CompleteInviteKeyExchange(requestID, nil, otherPub)
	require.NoError(t, err)

	var networkKey [32]byte
	sealed, err := sharer.SealInvitePayload(requestID, networkKey, "net")
	require.NoError(t, err)

	_, _, err = eavesdropper.OpenInvitePayload(otherRequestID, sealed)
	require.ErrorIs(t, err, ErrKeyExchangeFailed)
	_ = sharerPub
}
