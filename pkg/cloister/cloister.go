// Package cloister implements the in-band key-agreement service: two
// peers on an existing network derive a brand-new shared network key
// ("negotiate"), or one peer hands an existing network key to another
// ("share an invite"). Both flows are ephemeral-X25519 + HKDF-SHA256; no
// long-term key material from pkg/identity is involved in the Diffie-
// Hellman itself, only in the outer dispatcher/channel layer that
// transports and signs these messages. Cloister never does network I/O —
// callers deliver requests/responses it builds over the reserved
// `cloister-*` / `invite-*` channels.
package cloister

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Purpose distinguishes the two Cloister flows, per spec.md's Cloister
// key-agreement session model.
type Purpose string

const (
	PurposeNetworkKey Purpose = "network-key"
	PurposeInviteKey  Purpose = "invite-key"
)

const (
	// SessionTTL is how long a pending Cloister session is held before it
	// expires and must be restarted (spec.md: "Pending sessions expire
	// after 60 s").
	SessionTTL = 60 * time.Second

	hkdfInfoNetworkKey = "omerta-network-key"
	hkdfInfoInviteKey  = "omerta-invite-key"

	confirmationConstant = "omerta-cloister-confirmed-v1"
)

var (
	ErrKeyExchangeFailed    = errors.New("cloister: key exchange failed")
	ErrConfirmationMismatch = errors.New("cloister: confirmation mismatch")
	ErrSessionExpired       = errors.New("cloister: session expired")
	ErrPeerMismatch         = errors.New("cloister: peer mismatch")
	ErrUnknownSession       = errors.New("cloister: unknown request id")
)

// RejectedError wraps a responder-supplied reason for declining a request.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("cloister: rejected: %s", e.Reason)
}

// session tracks one in-flight (or recently completed) key agreement.
type session struct {
	requestID     string
	purpose       Purpose
	expectedPeer  []byte
	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	derivedKey    [32]byte
	createdAt     time.Time
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(s.createdAt) > SessionTTL
}

// destroyEphemeral zeroes the ephemeral private key. Called as soon as the
// shared secret has been derived, per spec.md's invariant that "Ephemeral
// X25519 private keys are destroyed immediately after the shared secret is
// derived."
func (s *session) destroyEphemeral() {
	for i := range s.ephemeralPriv {
		s.ephemeralPriv[i] = 0
	}
}

// Manager owns all in-flight Cloister sessions for one node.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

func generateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("cloister: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func sharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	var secret [32]byte
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return secret, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	copy(secret[:], out)
	return secret, nil
}

func deriveKey(secret [32]byte, info string) [32]byte {
	var out [32]byte
	reader := hkdf.New(sha256.New, secret[:], nil, []byte(info))
	_, _ = io.ReadFull(reader, out[:])
	return out
}

func (m *Manager) put(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = pruneExpired(m.sessions)
	m.sessions[s.requestID] = s
}

func pruneExpired(in map[string]*session) map[string]*session {
	now := time.Now()
	for id, s := range in {
		if s.expired(now) {
			delete(in, id)
		}
	}
	return in
}

func (m *Manager) take(requestID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.expired(time.Now()) {
		delete(m.sessions, requestID)
		return nil, ErrSessionExpired
	}
	delete(m.sessions, requestID)
	return s, nil
}

func checkPeer(s *session, actualPeer []byte) error {
	if s.expectedPeer == nil || actualPeer == nil {
		return nil
	}
	if len(s.expectedPeer) != len(actualPeer) {
		return ErrPeerMismatch
	}
	for i := range s.expectedPeer {
		if s.expectedPeer[i] != actualPeer[i] {
			return ErrPeerMismatch
		}
	}
	return nil
}

// --- Network key negotiation ---

// BeginNetworkKeyNegotiation starts a negotiation as the initiator. The
// returned requestID and ephemeral public key are sent as a
// CloisterRequest on channel cloister-negotiate.
func (m *Manager) BeginNetworkKeyNegotiation(expectedResponder []byte) (requestID string, ephemeralPub [32]byte, err error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return "", ephemeralPub, err
	}
	requestID = uuid.NewString()
	m.put(&session{
		requestID:     requestID,
		purpose:       PurposeNetworkKey,
		expectedPeer:  expectedResponder,
		ephemeralPriv: priv,
		ephemeralPub:  pub,
		createdAt:     time.Now(),
	})
	return requestID, pub, nil
}

// RespondToNetworkKeyNegotiation is called by the responder on receipt of a
// CloisterRequest. It derives the new network key, seals a confirmation
// constant under it, and returns the response fields for a
// CloisterResponse.
func (m *Manager) RespondToNetworkKeyNegotiation(requestID string, fromPeer []byte, initiatorPub [32]byte) (responderPub [32]byte, sealedConfirmation []byte, newKey [32]byte, err error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return responderPub, nil, newKey, err
	}
	secret, err := sharedSecret(priv, initiatorPub)
	for i := range priv {
		priv[i] = 0
	}
	if err != nil {
		return responderPub, nil, newKey, err
	}
	newKey = deriveKey(secret, hkdfInfoNetworkKey)
	for i := range secret {
		secret[i] = 0
	}

	sealedConfirmation, err = seal(newKey, confirmationConstant)
	if err != nil {
		return responderPub, nil, newKey, err
	}
	_ = requestID
	_ = fromPeer
	return pub, sealedConfirmation, newKey, nil
}

// CompleteNetworkKeyNegotiation is called by the initiator on receipt of a
// CloisterResponse. It derives the same key and verifies the confirmation.
func (m *Manager) CompleteNetworkKeyNegotiation(requestID string, fromPeer []byte, responderPub [32]byte, sealedConfirmation []byte) (newKey [32]byte, err error) {
	s, err := m.take(requestID)
	if err != nil {
		return newKey, err
	}
	defer s.destroyEphemeral()

	if s.purpose != PurposeNetworkKey {
		return newKey, fmt.Errorf("cloister: session %s is not a network-key negotiation", requestID)
	}
	if err := checkPeer(s, fromPeer); err != nil {
		return newKey, err
	}

	secret, err := sharedSecret(s.ephemeralPriv, responderPub)
	if err != nil {
		return newKey, err
	}
	newKey = deriveKey(secret, hkdfInfoNetworkKey)
	for i := range secret {
		secret[i] = 0
	}

	plain, err := open(newKey, sealedConfirmation)
	if err != nil || plain != confirmationConstant {
		return [32]byte{}, ErrConfirmationMismatch
	}
	return newKey, nil
}

// --- Invite sharing (two rounds) ---

// BeginInviteKeyExchange starts round 1 of sharing an existing invite, as
// the initiator.
func (m *Manager) BeginInviteKeyExchange(expectedPeer []byte) (requestID string, ephemeralPub [32]byte, err error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return "", ephemeralPub, err
	}
	requestID = uuid.NewString()
	m.put(&session{
		requestID:     requestID,
		purpose:       PurposeInviteKey,
		expectedPeer:  expectedPeer,
		ephemeralPriv: priv,
		ephemeralPub:  pub,
		createdAt:     time.Now(),
	})
	return requestID, pub, nil
}

// RespondToInviteKeyExchange completes round 1 on the responder's side,
// deriving the shared inviteKey and keeping the session alive (keyed by
// requestID) for round 2.
func (m *Manager) RespondToInviteKeyExchange(requestID string, fromPeer []byte, initiatorPub [32]byte) (responderPub [32]byte, err error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return responderPub, err
	}
	secret, err := sharedSecret(priv, initiatorPub)
	if err != nil {
		return responderPub, err
	}
	inviteKey := deriveKey(secret, hkdfInfoInviteKey)
	for i := range secret {
		secret[i] = 0
	}

	m.put(&session{
		requestID:     requestID,
		purpose:       PurposeInviteKey,
		expectedPeer:  fromPeer,
		ephemeralPriv: priv,
		derivedKey:    inviteKey,
		createdAt:     time.Now(),
	})
	s, _ := m.take(requestID)
	s.destroyEphemeral()
	m.put(s)
	return pub, nil
}

// CompleteInviteKeyExchange finishes round 1 on the initiator's side.
func (m *Manager) CompleteInviteKeyExchange(requestID string, fromPeer []byte, responderPub [32]byte) error {
	s, err := m.take(requestID)
	if err != nil {
		return err
	}
	if s.purpose != PurposeInviteKey {
		return fmt.Errorf("cloister: session %s is not an invite exchange", requestID)
	}
	if err := checkPeer(s, fromPeer); err != nil {
		m.put(s)
		return err
	}
	secret, err := sharedSecret(s.ephemeralPriv, responderPub)
	s.destroyEphemeral()
	if err != nil {
		return err
	}
	s.derivedKey = deriveKey(secret, hkdfInfoInviteKey)
	for i := range secret {
		secret[i] = 0
	}
	m.put(s)
	return nil
}

// SealInvitePayload is round 2: the side holding the existing network key
// seals it (plus an optional network name) under the round-1 inviteKey.
func (m *Manager) SealInvitePayload(requestID string, networkKey [32]byte, networkName string) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	if now := time.Now(); s.expired(now) {
		return nil, ErrSessionExpired
	}
	payload := append(append([]byte{}, networkKey[:]...), []byte(networkName)...)
	return seal(s.derivedKey, string(payload))
}

// OpenInvitePayload decrypts the round-2 payload and returns the shared
// network key and optional network name.
func (m *Manager) OpenInvitePayload(requestID string, sealed []byte) (networkKey [32]byte, networkName string, err error) {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	m.mu.Unlock()
	if !ok {
		return networkKey, "", ErrUnknownSession
	}
	if s.expired(time.Now()) {
		return networkKey, "", ErrSessionExpired
	}
	plain, err := openBytes(s.derivedKey, sealed)
	if err != nil {
		return networkKey, "", ErrKeyExchangeFailed
	}
	if len(plain) < 32 {
		return networkKey, "", fmt.Errorf("cloister: invite payload too short")
	}
	copy(networkKey[:], plain[:32])
	networkName = string(plain[32:])
	return networkKey, networkName, nil
}

// FinalizeInvite retires the session after invite-final-ack is received.
func (m *Manager) FinalizeInvite(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, requestID)
}

func seal(key [32]byte, plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cloister: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cloister: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func open(key [32]byte, sealed []byte) (string, error) {
	plain, err := openBytes(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func openBytes(key [32]byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cloister: init aead: %w", err)
	}
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("cloister: sealed payload too short")
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	return aead.Open(nil, nonce, ct, nil)
}
