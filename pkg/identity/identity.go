// Package identity manages a node's long-lived Ed25519 keypair and the
// network key supplied at startup. peerId is the raw Ed25519 public key;
// identities are never rotated by the core (spec.md Non-goals).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// NetworkKeySize is the required length of a network's symmetric key.
const NetworkKeySize = 32

// NetworkHashSize is the length of the header-embedded network hash.
const NetworkHashSize = 8

// Identity holds a node's long-lived signing key.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// PeerID returns the raw public key bytes, the identifier used throughout
// the mesh for this node.
func (id *Identity) PeerID() []byte {
	return []byte(id.PublicKey)
}

// PeerIDHex returns the hex-encoded peerId, for logging and display.
func (id *Identity) PeerIDHex() string {
	return hex.EncodeToString(id.PeerID())
}

// Sign signs a message with the node's long-lived private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// Verify checks a signature against a peerId's public key.
func Verify(peerID, message, signature []byte) bool {
	if len(peerID) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(peerID), message, signature)
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// storedIdentity is the on-disk JSON representation of an Identity.
type storedIdentity struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// LoadOrGenerate loads an identity from path, generating and persisting a
// new one if no file exists yet. The directory is created if needed and the
// file is written atomically (temp file + rename), matching the persistence
// style used throughout the rest of the module.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var stored storedIdentity
		if jsonErr := json.Unmarshal(data, &stored); jsonErr != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, jsonErr)
		}
		if len(stored.PublicKey) != ed25519.PublicKeySize || len(stored.PrivateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity file %s has malformed key sizes", path)
		}
		return &Identity{
			PublicKey:  ed25519.PublicKey(stored.PublicKey),
			PrivateKey: ed25519.PrivateKey(stored.PrivateKey),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	id, genErr := Generate()
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := id.save(path); saveErr != nil {
		return nil, saveErr
	}
	return id, nil
}

func (id *Identity) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity directory %s: %w", dir, err)
	}

	data, err := json.Marshal(storedIdentity{
		PublicKey:  id.PublicKey,
		PrivateKey: id.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename identity file into place: %w", err)
	}
	return nil
}

// NetworkID returns the hex-formatted 8-byte SHA-256 prefix of the network
// key — the identifier used to key per-network storage and state.
func NetworkID(networkKey [NetworkKeySize]byte) string {
	hash := sha256.Sum256(networkKey[:])
	return hex.EncodeToString(hash[:NetworkHashSize])
}

// NetworkHash returns the raw 8-byte SHA-256 prefix of the network key, the
// value carried inside the encrypted header of every packet for fast
// wrong-network rejection.
func NetworkHash(networkKey [NetworkKeySize]byte) [NetworkHashSize]byte {
	hash := sha256.Sum256(networkKey[:])
	var out [NetworkHashSize]byte
	copy(out[:], hash[:NetworkHashSize])
	return out
}

// ParseNetworkKey validates and copies a network key supplied as raw bytes.
func ParseNetworkKey(raw []byte) ([NetworkKeySize]byte, error) {
	var key [NetworkKeySize]byte
	if len(raw) != NetworkKeySize {
		return key, fmt.Errorf("network key must be %d bytes, got %d", NetworkKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
